// Package events publishes bridge lifecycle events: state changes, health
// check failures, installation outcomes and configuration changes.
//
// Messages are rendered from per-reason templates that support simple field
// substitution and conditional blocks:
//
//	bus := events.NewBus(logFile)
//	bus.Publish(events.ReasonBridgeFailed, events.EventData{
//		Target: "Ubuntu",
//		Error:  "connection refused",
//	}, api.StateError)
//
// Subscribers receive events through a buffered channel that is closed when
// their context ends:
//
//	for ev := range bus.Subscribe(ctx) {
//		fmt.Println(ev.Message)
//	}
package events
