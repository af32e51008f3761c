// Package client gives the command line one interface to the bridge
// supervisor, wherever it lives.
//
// When `bridgectl serve` is running, New returns a client for its HTTP
// control API. Otherwise it falls back to an in-process supervisor built by
// the caller, so one-shot commands such as `bridgectl start` still work
// without a daemon.
//
//	c, err := client.New(ctx, "127.0.0.1:9880", buildLocal)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	status := c.Status(ctx)
package client
