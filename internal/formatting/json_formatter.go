package formatting

import (
	"encoding/json"
	"fmt"

	"bridgectl/internal/api"
	"bridgectl/internal/detector"
	"bridgectl/internal/events"
)

// structuredFormatter writes every result as one document produced by marshal.
type structuredFormatter struct {
	options Options
	marshal func(v interface{}) ([]byte, error)
}

func (f *structuredFormatter) Data(data interface{}) error {
	b, err := f.marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	_, err = f.options.Out.Write(b)
	return err
}

func (f *structuredFormatter) Status(status api.BridgeStatus) error  { return f.Data(status) }
func (f *structuredFormatter) Detection(results []detector.Result) error { return f.Data(results) }
func (f *structuredFormatter) Recommendation(rec detector.Recommendation) error {
	return f.Data(rec)
}
func (f *structuredFormatter) Report(report api.ValidationReport) error {
	return f.Data(reportView{ValidationReport: report, Passed: report.Passed()})
}
func (f *structuredFormatter) Session(session api.InstallationSession) error { return f.Data(session) }
func (f *structuredFormatter) Event(ev events.Event) error                 { return f.Data(ev) }

func (f *structuredFormatter) Probe(address string, result api.HealthProbeResult) error {
	view := probeView{Address: address, HealthProbeResult: result}
	if result.LastError != nil {
		view.LastError = result.LastError.Error()
	}
	return f.Data(view)
}

// reportView adds the overall verdict to a report.
type reportView struct {
	api.ValidationReport `json:",inline" yaml:",inline"`
	Passed               bool `json:"passed" yaml:"passed"`
}

type probeView struct {
	Address               string `json:"address" yaml:"address"`
	api.HealthProbeResult `json:",inline" yaml:",inline"`
	LastError             string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// NewJSONFormatter creates a formatter writing indented JSON.
func NewJSONFormatter(options Options) Formatter {
	return &structuredFormatter{
		options: options,
		marshal: func(v interface{}) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	}
}
