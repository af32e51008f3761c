// Package api holds the types shared by every bridgectl package: backend
// configurations, detected environment candidates, validation reports,
// installation sessions, the bridge state and the error taxonomy.
//
// The package has no dependencies on other internal packages so that the
// detector, validator, installer, probe and supervisor packages can exchange
// values without importing each other.
//
// # Error taxonomy
//
// Failures are reported with typed errors that callers inspect with errors.As
// or the Is* helpers:
//
//   - DetectionError: the probing mechanism for a backend kind is unusable
//   - ValidationError: one or more gating checks failed
//   - InstallError: an installation session could not start or did not finish
//   - ConnectionError: a health probe attempt failed
//   - ConfigConflictError: a start was requested with a config different from the active one
//   - NotFoundError: a named candidate or session does not exist
package api
