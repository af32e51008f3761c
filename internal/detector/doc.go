// Package detector discovers the environments each backend kind could run
// the bridge in, and recommends a kind for first-time setup.
package detector
