package process

import "fmt"

// ExitReason is the diagnosis of a subordinate exit code.
type ExitReason string

const (
	ExitNormal           ExitReason = "normal"
	ExitApplicationError ExitReason = "application_error"
	ExitResourceKilled   ExitReason = "resource_exhaustion_kill"
	ExitFault            ExitReason = "fault"
	ExitTerminated       ExitReason = "terminated"
	ExitUnknown          ExitReason = "unknown"
)

// Diagnosis explains why a bridge process or container stopped.
type Diagnosis struct {
	Code        int        `json:"code"`
	Reason      ExitReason `json:"reason"`
	Description string     `json:"description"`
}

func (d Diagnosis) String() string {
	return fmt.Sprintf("exit code %d (%s): %s", d.Code, d.Reason, d.Description)
}

// Diagnose maps an exit code onto the usual conventions: 0 normal, 1 application
// error, 137 killed for resource exhaustion, 139 segmentation fault, 143
// terminated by SIGTERM.
func Diagnose(code int) Diagnosis {
	d := Diagnosis{Code: code}
	switch code {
	case 0:
		d.Reason, d.Description = ExitNormal, "exited normally"
	case 1:
		d.Reason, d.Description = ExitApplicationError, "the bridge reported an application error"
	case 137:
		d.Reason, d.Description = ExitResourceKilled, "killed, most likely out of memory"
	case 139:
		d.Reason, d.Description = ExitFault, "segmentation fault"
	case 143:
		d.Reason, d.Description = ExitTerminated, "terminated by SIGTERM"
	default:
		d.Reason, d.Description = ExitUnknown, "unexpected exit"
	}
	return d
}
