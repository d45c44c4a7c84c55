// Package flow handles parsing and representation of screen flow YAML files.
package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseError represents a parsing error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// header is the first YAML document of a flow file.
type header struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Device         string `yaml:"device"`
	UpdateInterval int    `yaml:"updateInterval"` // ms; 0 disables periodic scheduling
	FlowTimeout    int    `yaml:"flowTimeout"`    // ms; 0 means unlimited
	StopOnError    bool   `yaml:"stopOnError"`
	Enabled        *bool  `yaml:"enabled"`
}

// ParseFile parses a single YAML flow file.
func ParseFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided flow file
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses YAML flow content. The first document is the flow header,
// the second the step list.
func Parse(data []byte, sourcePath string) (*Flow, error) {
	parts := splitYAMLDocuments(string(data))

	flow := &Flow{
		SourcePath: sourcePath,
		Source:     data,
		enabled:    true,
	}

	if len(parts) == 0 {
		return nil, &ParseError{
			Path:    sourcePath,
			Line:    1,
			Message: "empty flow file",
		}
	}

	if err := parseHeader(parts[0], flow); err != nil {
		return nil, err
	}
	if len(parts) > 1 {
		if err := parseSteps(parts[1], flow); err != nil {
			return nil, err
		}
	}

	if flow.DeviceID == "" {
		return nil, &ParseError{Path: sourcePath, Message: "missing device"}
	}
	if len(flow.Steps) == 0 {
		return nil, &ParseError{Path: sourcePath, Message: "flow has no steps"}
	}

	return flow, nil
}

func splitYAMLDocuments(content string) []string {
	var parts []string
	var current strings.Builder
	inMultiline := false
	multilineIndent := 0

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if !inMultiline {
			if strings.HasSuffix(trimmed, "|") || strings.HasSuffix(trimmed, ">") ||
				strings.HasSuffix(trimmed, "|-") || strings.HasSuffix(trimmed, ">-") {
				inMultiline = true
				if i+1 < len(lines) {
					next := lines[i+1]
					multilineIndent = len(next) - len(strings.TrimLeft(next, " \t"))
				}
			}
		} else {
			indent := len(line) - len(strings.TrimLeft(line, " \t"))
			if trimmed != "" && indent < multilineIndent {
				inMultiline = false
			}
		}

		if !inMultiline && trimmed == "---" && strings.TrimLeft(line, " \t") == "---" {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		} else {
			current.WriteString(line)
			current.WriteString("\n")
		}
	}

	if current.Len() > 0 {
		s := strings.TrimSpace(current.String())
		if s != "" {
			parts = append(parts, current.String())
		}
	}

	return parts
}

func parseHeader(content string, flow *Flow) error {
	var h header
	if err := yaml.Unmarshal([]byte(content), &h); err != nil {
		return &ParseError{
			Path:    flow.SourcePath,
			Message: fmt.Sprintf("invalid header: %v", err),
		}
	}

	if h.UpdateInterval < 0 {
		return &ParseError{Path: flow.SourcePath, Message: "updateInterval must not be negative"}
	}
	if h.FlowTimeout < 0 {
		return &ParseError{Path: flow.SourcePath, Message: "flowTimeout must not be negative"}
	}

	flow.ID = h.ID
	flow.Name = h.Name
	flow.DeviceID = h.Device
	flow.UpdateInterval = time.Duration(h.UpdateInterval) * time.Millisecond
	flow.FlowTimeout = time.Duration(h.FlowTimeout) * time.Millisecond
	flow.StopOnError = h.StopOnError
	if h.Enabled != nil {
		flow.enabled = *h.Enabled
	}

	if flow.ID == "" {
		flow.ID = defaultID(flow.SourcePath, flow.Name)
	}
	if flow.Name == "" {
		flow.Name = flow.ID
	}
	return nil
}

// defaultID derives a flow identity when the header does not set one.
func defaultID(sourcePath, name string) string {
	if sourcePath != "" {
		base := filepath.Base(sourcePath)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return name
}

func parseSteps(content string, flow *Flow) error {
	var rawSteps []yaml.Node
	if err := yaml.Unmarshal([]byte(content), &rawSteps); err != nil {
		return &ParseError{
			Path:    flow.SourcePath,
			Message: fmt.Sprintf("invalid steps: %v", err),
		}
	}

	for _, node := range rawSteps {
		step, err := parseStep(&node, flow.SourcePath)
		if err != nil {
			return err
		}
		flow.Steps = append(flow.Steps, step)
	}

	return nil
}

func parseStep(node *yaml.Node, sourcePath string) (Step, error) {
	// Handle scalar nodes like "- goHome" (no colon, no params)
	if node.Kind == yaml.ScalarNode {
		stepType := node.Value
		if !isStepType(stepType) {
			return nil, &ParseError{
				Path:    sourcePath,
				Line:    node.Line,
				Message: fmt.Sprintf("unknown step type: %s", stepType),
			}
		}
		// Create empty value node for steps with no parameters
		emptyNode := &yaml.Node{Kind: yaml.MappingNode}
		return decodeStep(StepType(stepType), emptyNode, sourcePath)
	}

	if node.Kind != yaml.MappingNode {
		return nil, &ParseError{
			Path:    sourcePath,
			Line:    node.Line,
			Message: "step must be a mapping or step name",
		}
	}

	stepType, valueNode := extractStepType(node)
	if stepType == "" || valueNode == nil {
		return nil, &ParseError{
			Path:    sourcePath,
			Line:    node.Line,
			Message: "unknown step type",
		}
	}

	return decodeStep(StepType(stepType), valueNode, sourcePath)
}

func extractStepType(node *yaml.Node) (string, *yaml.Node) {
	for i := 0; i < len(node.Content)-1; i += 2 {
		key := node.Content[i].Value
		if isStepType(key) {
			return key, node.Content[i+1]
		}
	}
	return "", nil
}

func isStepType(key string) bool {
	switch StepType(key) {
	case StepLaunchApp, StepWait, StepTap, StepSwipe, StepTextInput,
		StepKeyEvent, StepExecuteAction, StepGoHome, StepCaptureSensors,
		StepValidateScreen, StepScrollCapture, StepConditional:
		return true
	}
	return false
}

func decodeStep(stepType StepType, valueNode *yaml.Node, sourcePath string) (Step, error) {
	switch stepType {
	case StepLaunchApp:
		var s LaunchAppStep
		if valueNode.Kind == yaml.ScalarNode {
			s.AppID = valueNode.Value
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		if s.AppID == "" {
			return nil, &ParseError{Path: sourcePath, Line: valueNode.Line, Message: "launchApp requires appId"}
		}
		return &s, nil

	case StepWait:
		var s WaitStep
		if valueNode.Kind == yaml.ScalarNode {
			var ms int
			if err := valueNode.Decode(&ms); err != nil {
				return nil, wrapParseError(sourcePath, valueNode.Line, err)
			}
			s.DurationMs = ms
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		if s.DurationMs < 0 {
			return nil, &ParseError{Path: sourcePath, Line: valueNode.Line, Message: "wait duration must not be negative"}
		}
		return &s, nil

	case StepTap:
		var s TapStep
		if valueNode.Kind == yaml.ScalarNode {
			s.Point = valueNode.Value
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		return &s, nil

	case StepSwipe:
		var s SwipeStep
		if valueNode.Kind == yaml.ScalarNode {
			s.Direction = valueNode.Value
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		return &s, nil

	case StepTextInput:
		var s TextInputStep
		if valueNode.Kind == yaml.ScalarNode {
			s.Text = valueNode.Value
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		return &s, nil

	case StepKeyEvent:
		var s KeyEventStep
		if valueNode.Kind == yaml.ScalarNode {
			s.Key = valueNode.Value
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		if s.Key == "" {
			return nil, &ParseError{Path: sourcePath, Line: valueNode.Line, Message: "keyEvent requires key"}
		}
		return &s, nil

	case StepExecuteAction:
		var s ExecuteActionStep
		if valueNode.Kind == yaml.ScalarNode {
			s.Action = valueNode.Value
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		if s.Action == "" {
			return nil, &ParseError{Path: sourcePath, Line: valueNode.Line, Message: "executeAction requires action"}
		}
		return &s, nil

	case StepGoHome:
		return &GoHomeStep{BaseStep: BaseStep{StepType: stepType}}, nil

	case StepCaptureSensors:
		var s CaptureSensorsStep
		if valueNode.Kind == yaml.ScalarNode {
			s.Sensors = []string{valueNode.Value}
		} else if valueNode.Kind == yaml.SequenceNode {
			if err := valueNode.Decode(&s.Sensors); err != nil {
				return nil, wrapParseError(sourcePath, valueNode.Line, err)
			}
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		if len(s.Sensors) == 0 {
			return nil, &ParseError{Path: sourcePath, Line: valueNode.Line, Message: "captureSensors requires at least one sensor"}
		}
		return &s, nil

	case StepValidateScreen:
		var s ValidateScreenStep
		if valueNode.Kind == yaml.ScalarNode {
			s.Expect = map[string]string{"text": valueNode.Value}
		} else if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		if len(s.Expect) == 0 {
			return nil, &ParseError{Path: sourcePath, Line: valueNode.Line, Message: "validateScreen requires expected attributes"}
		}
		return &s, nil

	case StepScrollCapture:
		var s ScrollCaptureStep
		if err := valueNode.Decode(&s); err != nil {
			return nil, wrapParseError(sourcePath, valueNode.Line, err)
		}
		s.StepType = stepType
		return &s, nil

	case StepConditional:
		return parseConditionalStep(valueNode, sourcePath)

	default:
		return nil, &ParseError{
			Path:    sourcePath,
			Line:    valueNode.Line,
			Message: fmt.Sprintf("unknown step type: %s", stepType),
		}
	}
}

// parseConditionalStep handles conditional with nested branches.
func parseConditionalStep(valueNode *yaml.Node, sourcePath string) (Step, error) {
	var raw struct {
		Visible        map[string]string `yaml:"visible"`
		Then           []yaml.Node       `yaml:"then"`
		Else           []yaml.Node       `yaml:"else"`
		Label          string            `yaml:"label"`
		RetryOnFailure bool              `yaml:"retryOnFailure"`
		MaxRetries     int               `yaml:"maxRetries"`
	}

	if err := valueNode.Decode(&raw); err != nil {
		return nil, wrapParseError(sourcePath, valueNode.Line, err)
	}

	if len(raw.Visible) == 0 {
		return nil, &ParseError{Path: sourcePath, Line: valueNode.Line, Message: "conditional requires a visible condition"}
	}

	s := &ConditionalStep{
		BaseStep: BaseStep{
			StepType:       StepConditional,
			StepLabel:      raw.Label,
			RetryOnFailure: raw.RetryOnFailure,
			MaxRetries:     raw.MaxRetries,
		},
		When: Condition{Visible: raw.Visible},
	}

	for _, branchNode := range raw.Then {
		step, err := parseStep(&branchNode, sourcePath)
		if err != nil {
			return nil, err
		}
		s.Then = append(s.Then, step)
	}
	for _, branchNode := range raw.Else {
		step, err := parseStep(&branchNode, sourcePath)
		if err != nil {
			return nil, err
		}
		s.Else = append(s.Else, step)
	}

	return s, nil
}

func wrapParseError(path string, line int, err error) error {
	return &ParseError{
		Path:    path,
		Line:    line,
		Message: err.Error(),
	}
}

// ParseDirectory parses all YAML flow files under dir. Files that fail to
// parse are reported in the returned error slice and skipped.
func ParseDirectory(dir string) ([]*Flow, []error) {
	var flows []*Flow
	var errs []error

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		flow, parseErr := ParseFile(path)
		if parseErr != nil {
			errs = append(errs, parseErr)
			return nil
		}
		flows = append(flows, flow)
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}

	return flows, errs
}
