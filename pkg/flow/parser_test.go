package flow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalHeader = "device: emu-5554\n---\n"

func TestParse_SimpleFlow(t *testing.T) {
	yaml := `
id: living-room-ac
name: Living Room AC
device: emu-5554
updateInterval: 60000
flowTimeout: 120000
stopOnError: true
---
- launchApp: com.vendor.ac
- wait: 2000
- captureSensors:
    sensors: [temp_current, temp_target]
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if flow.ID != "living-room-ac" {
		t.Errorf("expected id=living-room-ac, got %q", flow.ID)
	}
	if flow.Name != "Living Room AC" {
		t.Errorf("expected name=Living Room AC, got %q", flow.Name)
	}
	if flow.DeviceID != "emu-5554" {
		t.Errorf("expected device=emu-5554, got %q", flow.DeviceID)
	}
	if flow.UpdateInterval != time.Minute {
		t.Errorf("expected updateInterval=1m, got %v", flow.UpdateInterval)
	}
	if flow.FlowTimeout != 2*time.Minute {
		t.Errorf("expected flowTimeout=2m, got %v", flow.FlowTimeout)
	}
	if !flow.StopOnError {
		t.Error("expected stopOnError=true")
	}
	if !flow.Enabled() {
		t.Error("expected flow to be enabled by default")
	}
	if len(flow.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(flow.Steps))
	}

	launch, ok := flow.Steps[0].(*LaunchAppStep)
	if !ok {
		t.Fatalf("expected LaunchAppStep, got %T", flow.Steps[0])
	}
	if launch.AppID != "com.vendor.ac" {
		t.Errorf("expected appId=com.vendor.ac, got %q", launch.AppID)
	}

	wait, ok := flow.Steps[1].(*WaitStep)
	if !ok {
		t.Fatalf("expected WaitStep, got %T", flow.Steps[1])
	}
	if wait.Duration() != 2*time.Second {
		t.Errorf("expected wait=2s, got %v", wait.Duration())
	}

	capture, ok := flow.Steps[2].(*CaptureSensorsStep)
	if !ok {
		t.Fatalf("expected CaptureSensorsStep, got %T", flow.Steps[2])
	}
	if len(capture.Sensors) != 2 || capture.Sensors[0] != "temp_current" {
		t.Errorf("unexpected sensors: %v", capture.Sensors)
	}
}

func TestParse_AllStepTypes(t *testing.T) {
	testCases := []struct {
		name     string
		yaml     string
		stepType StepType
	}{
		{"launchApp scalar", `- launchApp: com.example.app`, StepLaunchApp},
		{"launchApp mapping", `- launchApp: {appId: com.app}`, StepLaunchApp},
		{"wait scalar", `- wait: 1500`, StepWait},
		{"wait mapping", `- wait: {ms: 500}`, StepWait},
		{"tap point scalar", `- tap: "50%, 20%"`, StepTap},
		{"tap mapping", `- tap: {x: 100, y: 200}`, StepTap},
		{"swipe scalar", `- swipe: UP`, StepSwipe},
		{"swipe mapping", `- swipe: {startX: 0, startY: 500, endX: 0, endY: 100}`, StepSwipe},
		{"textInput scalar", `- textInput: "hello"`, StepTextInput},
		{"textInput mapping", `- textInput: {text: hello}`, StepTextInput},
		{"keyEvent scalar", `- keyEvent: HOME`, StepKeyEvent},
		{"keyEvent mapping", `- keyEvent: {key: BACK}`, StepKeyEvent},
		{"executeAction scalar", `- executeAction: toggle_power`, StepExecuteAction},
		{"executeAction mapping", `- executeAction: {action: set_temp, params: {value: "21"}}`, StepExecuteAction},
		{"goHome bare", `- goHome`, StepGoHome},
		{"goHome empty", `- goHome:`, StepGoHome},
		{"captureSensors scalar", `- captureSensors: temp_current`, StepCaptureSensors},
		{"captureSensors list", `- captureSensors: [temp_current, humidity]`, StepCaptureSensors},
		{"captureSensors mapping", `- captureSensors: {sensors: [temp_current]}`, StepCaptureSensors},
		{"validateScreen scalar", `- validateScreen: "Living Room"`, StepValidateScreen},
		{"validateScreen mapping", `- validateScreen: {expect: {text: "AC", class: TextView}}`, StepValidateScreen},
		{"scrollCapture empty", `- scrollCapture: {}`, StepScrollCapture},
		{"scrollCapture mapping", `- scrollCapture: {maxScrolls: 5, overlapRatio: 0.3}`, StepScrollCapture},
		{"conditional", `- conditional: {visible: {text: Login}, then: [{tap: {x: 1, y: 1}}]}`, StepConditional},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			flow, err := Parse([]byte(minimalHeader+tc.yaml+"\n"), "test.yaml")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(flow.Steps) != 1 {
				t.Fatalf("expected 1 step, got %d", len(flow.Steps))
			}
			if flow.Steps[0].Type() != tc.stepType {
				t.Errorf("expected type %s, got %s", tc.stepType, flow.Steps[0].Type())
			}
		})
	}
}

func TestParse_ScalarShorthands(t *testing.T) {
	yaml := minimalHeader + `
- wait: 750
- textInput: "21.5"
- keyEvent: ENTER
- swipe: DOWN
- validateScreen: "Thermostat"
- captureSensors: temp_current
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wait := flow.Steps[0].(*WaitStep)
	if wait.DurationMs != 750 {
		t.Errorf("expected wait=750ms, got %d", wait.DurationMs)
	}
	input := flow.Steps[1].(*TextInputStep)
	if input.Text != "21.5" {
		t.Errorf("expected text=21.5, got %q", input.Text)
	}
	key := flow.Steps[2].(*KeyEventStep)
	if key.Key != "ENTER" {
		t.Errorf("expected key=ENTER, got %q", key.Key)
	}
	swipe := flow.Steps[3].(*SwipeStep)
	if swipe.Direction != "DOWN" {
		t.Errorf("expected direction=DOWN, got %q", swipe.Direction)
	}
	validate := flow.Steps[4].(*ValidateScreenStep)
	if validate.Expect["text"] != "Thermostat" {
		t.Errorf("expected text=Thermostat, got %q", validate.Expect["text"])
	}
	capture := flow.Steps[5].(*CaptureSensorsStep)
	if len(capture.Sensors) != 1 || capture.Sensors[0] != "temp_current" {
		t.Errorf("unexpected sensors: %v", capture.Sensors)
	}
}

func TestParse_RetryFields(t *testing.T) {
	yaml := minimalHeader + `
- captureSensors:
    sensors: [temp_current]
    retryOnFailure: true
    maxRetries: 3
    label: read temperature
- tap:
    x: 10
    y: 20
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	capture := flow.Steps[0].(*CaptureSensorsStep)
	if !capture.Retryable() {
		t.Error("expected retryOnFailure=true")
	}
	if capture.MaxAttempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", capture.MaxAttempts())
	}
	if capture.Label() != "read temperature" {
		t.Errorf("expected label, got %q", capture.Label())
	}

	tap := flow.Steps[1].(*TapStep)
	if tap.Retryable() {
		t.Error("expected retryOnFailure=false by default")
	}
	if tap.MaxAttempts() != 1 {
		t.Errorf("expected 1 attempt, got %d", tap.MaxAttempts())
	}
}

func TestParse_Conditional(t *testing.T) {
	yaml := minimalHeader + `
- conditional:
    visible:
      text: "Sign In"
    then:
      - tap: {x: 540, y: 1200}
      - textInput: "pin"
    else:
      - goHome
`
	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cond, ok := flow.Steps[0].(*ConditionalStep)
	if !ok {
		t.Fatalf("expected ConditionalStep, got %T", flow.Steps[0])
	}
	if cond.When.Visible["text"] != "Sign In" {
		t.Errorf("unexpected condition: %v", cond.When.Visible)
	}
	if len(cond.Then) != 2 {
		t.Fatalf("expected 2 then steps, got %d", len(cond.Then))
	}
	if len(cond.Else) != 1 {
		t.Fatalf("expected 1 else step, got %d", len(cond.Else))
	}
	if cond.Then[0].Type() != StepTap {
		t.Errorf("expected tap, got %s", cond.Then[0].Type())
	}
	if cond.Else[0].Type() != StepGoHome {
		t.Errorf("expected goHome, got %s", cond.Else[0].Type())
	}
}

func TestParse_DefaultIdentity(t *testing.T) {
	yaml := "device: emu-1\n---\n- goHome\n"

	flow, err := Parse([]byte(yaml), filepath.Join("flows", "bedroom-light.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flow.ID != "bedroom-light" {
		t.Errorf("expected id derived from file name, got %q", flow.ID)
	}
	if flow.Name != "bedroom-light" {
		t.Errorf("expected name to fall back to id, got %q", flow.Name)
	}
}

func TestParse_DisabledFlow(t *testing.T) {
	yaml := "device: emu-1\nenabled: false\n---\n- goHome\n"

	flow, err := Parse([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flow.Enabled() {
		t.Error("expected flow to be disabled")
	}
}

func TestParse_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"empty file", "", "empty flow file"},
		{"missing device", "name: x\n---\n- goHome\n", "missing device"},
		{"no steps", "device: emu-1\n", "flow has no steps"},
		{"unknown step", minimalHeader + "- teleport: home\n", "unknown step type"},
		{"unknown bare step", minimalHeader + "- teleport\n", "unknown step type: teleport"},
		{"negative interval", "device: emu-1\nupdateInterval: -5\n---\n- goHome\n", "updateInterval must not be negative"},
		{"negative wait", minimalHeader + "- wait: -100\n", "wait duration must not be negative"},
		{"launchApp without app", minimalHeader + "- launchApp: {}\n", "launchApp requires appId"},
		{"captureSensors empty", minimalHeader + "- captureSensors: {}\n", "captureSensors requires at least one sensor"},
		{"validateScreen empty", minimalHeader + "- validateScreen: {}\n", "validateScreen requires expected attributes"},
		{"conditional without visible", minimalHeader + "- conditional: {then: [goHome]}\n", "conditional requires a visible condition"},
		{"step not a mapping", minimalHeader + "- [1, 2]\n", "step must be a mapping or step name"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), "test.yaml")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("expected error containing %q, got %q", tc.wantMsg, err.Error())
			}
		})
	}
}

func TestParseError_Format(t *testing.T) {
	withLine := &ParseError{Path: "f.yaml", Line: 7, Message: "bad step"}
	if withLine.Error() != "f.yaml:7: bad step" {
		t.Errorf("unexpected error format: %q", withLine.Error())
	}

	noLine := &ParseError{Path: "f.yaml", Message: "missing device"}
	if noLine.Error() != "f.yaml: missing device" {
		t.Errorf("unexpected error format: %q", noLine.Error())
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ac.yaml")
	content := "device: emu-5554\nupdateInterval: 30000\n---\n- goHome\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	flow, err := ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flow.ID != "ac" {
		t.Errorf("expected id=ac, got %q", flow.ID)
	}
	if flow.SourcePath != path {
		t.Errorf("expected sourcePath=%q, got %q", path, flow.SourcePath)
	}
	if string(flow.Source) != content {
		t.Error("expected raw source to be retained")
	}
}

func TestParseDirectory(t *testing.T) {
	dir := t.TempDir()
	good := "device: emu-1\n---\n- goHome\n"
	bad := "device: emu-1\n---\n- teleport: home\n"

	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatal(err)
	}

	flows, errs := ParseDirectory(dir)
	if len(flows) != 2 {
		t.Errorf("expected 2 flows, got %d", len(flows))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 parse error, got %d", len(errs))
	}
	if !strings.Contains(errs[0].Error(), "unknown step type") {
		t.Errorf("unexpected error: %v", errs[0])
	}
}
