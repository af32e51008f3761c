// Package supervisor owns the single active bridge and its state machine.
//
// The bridge moves between four states:
//
//	Stopped --Start--> Starting --healthy--> Running --Stop--> Stopped
//	Error   --Start--> Starting --failure--> Error
//	                               Running --dead----> Error
//
// A start detects the configured environment, validates it, installs the
// bridge software when it is missing, launches the bridge and probes it.
// Any failure along the way leaves the supervisor in Error with the cause
// retained. While running, a liveness monitor checks the bridge and drops to
// Error after the configured number of consecutive failures.
package supervisor
