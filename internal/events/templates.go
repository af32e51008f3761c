package events

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageTemplateEngine provides dynamic message generation for events.
type MessageTemplateEngine struct {
	templates map[EventReason]string
}

// NewMessageTemplateEngine creates a new message template engine with default templates.
func NewMessageTemplateEngine() *MessageTemplateEngine {
	engine := &MessageTemplateEngine{
		templates: make(map[EventReason]string),
	}
	engine.loadDefaultTemplates()
	return engine
}

func (e *MessageTemplateEngine) loadDefaultTemplates() {
	e.templates[ReasonBridgeStarting] = "Starting bridge on {{.Backend}} {{.Target}}{{if .Port}} port {{.Port}}{{end}}"
	e.templates[ReasonBridgeStarted] = "Bridge on {{.Backend}} {{.Target}} is healthy{{if .Process}} ({{.Process}}){{end}}{{if .Duration}} after {{.Duration}}{{end}}"
	e.templates[ReasonBridgeAdopted] = "Adopted bridge already serving {{.Target}}{{if .Process}} ({{.Process}}){{end}}"
	e.templates[ReasonBridgeStopped] = "Bridge on {{.Backend}} {{.Target}} stopped"
	e.templates[ReasonBridgeFailed] = "Bridge on {{.Backend}} {{.Target}} failed{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonBridgeExited] = "Bridge on {{.Target}} is no longer alive{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonHealthCheckFailed] = "Health check of {{.Target}} failed{{if .Error}}: {{.Error}}{{end}}"

	e.templates[ReasonInstallStarted] = "Installing bridge into {{.Backend}} {{.Target}}{{if .StepCount}} ({{.StepCount}} steps){{end}}"
	e.templates[ReasonInstallSucceeded] = "Bridge installed into {{.Target}}{{if .Duration}} in {{.Duration}}{{end}}"
	e.templates[ReasonInstallFailed] = "Installation into {{.Target}} failed{{if .Error}}: {{.Error}}{{end}}"

	e.templates[ReasonConfigChanged] = "Default backend set to {{.Backend}} {{.Target}}"
	e.templates[ReasonRemediationApplied] = "Remediation applied to {{.Target}}"
	e.templates[ReasonRemediationFailed] = "Remediation of {{.Target}} failed{{if .Error}}: {{.Error}}{{end}}"
}

// Render generates a message for the given event reason and data.
func (e *MessageTemplateEngine) Render(reason EventReason, data EventData) string {
	template, exists := e.templates[reason]
	if !exists {
		return fmt.Sprintf("Event: %s for %s", string(reason), data.Target)
	}
	return e.renderTemplate(template, data)
}

// SetTemplate allows customizing the message template for a specific event reason.
func (e *MessageTemplateEngine) SetTemplate(reason EventReason, template string) {
	e.templates[reason] = template
}

// GetTemplate returns the template for a specific event reason.
func (e *MessageTemplateEngine) GetTemplate(reason EventReason) (string, bool) {
	template, exists := e.templates[reason]
	return template, exists
}

// renderTemplate supports plain field substitution and {{if .Field}} blocks.
func (e *MessageTemplateEngine) renderTemplate(template string, data EventData) string {
	result := e.renderConditionals(template, data)

	port := ""
	if data.Port > 0 {
		port = strconv.Itoa(data.Port)
	}
	duration := ""
	if data.Duration > 0 {
		duration = data.Duration.String()
	}
	steps := ""
	if data.StepCount > 0 {
		steps = strconv.Itoa(data.StepCount)
	}

	return strings.NewReplacer(
		"{{.Target}}", data.Target,
		"{{.Backend}}", string(data.Backend),
		"{{.Port}}", port,
		"{{.Process}}", data.Process,
		"{{.Error}}", data.Error,
		"{{.Duration}}", duration,
		"{{.StepCount}}", steps,
	).Replace(result)
}

func (e *MessageTemplateEngine) renderConditionals(template string, data EventData) string {
	conditions := []struct {
		marker string
		set    bool
	}{
		{"{{if .Error}}", data.Error != ""},
		{"{{if .Port}}", data.Port > 0},
		{"{{if .Process}}", data.Process != ""},
		{"{{if .Duration}}", data.Duration > 0},
		{"{{if .StepCount}}", data.StepCount > 0},
	}
	result := template
	for _, c := range conditions {
		for strings.Contains(result, c.marker) {
			next := e.renderConditional(result, c.marker, "{{end}}", c.set)
			if next == result {
				break
			}
			result = next
		}
	}
	return result
}

// renderConditional handles a single conditional block.
func (e *MessageTemplateEngine) renderConditional(template, startMarker, endMarker string, condition bool) string {
	startIndex := strings.Index(template, startMarker)
	if startIndex == -1 {
		return template
	}

	endIndex := strings.Index(template[startIndex:], endMarker)
	if endIndex == -1 {
		return template
	}
	endIndex += startIndex

	before := template[:startIndex]
	after := template[endIndex+len(endMarker):]
	if condition {
		return before + template[startIndex+len(startMarker):endIndex] + after
	}
	return before + after
}
