// Package cli holds the plumbing shared by the bridgectl commands: common
// flags, resolving which backend a command acts on, the command executor
// with its progress spinner, and the mapping from errors to exit codes.
package cli
