package flow

import "testing"

func TestBaseStep_MaxAttempts(t *testing.T) {
	testCases := []struct {
		name  string
		retry bool
		max   int
		want  int
	}{
		{"no retry", false, 0, 1},
		{"no retry ignores maxRetries", false, 5, 1},
		{"retry with budget", true, 3, 3},
		{"retry without budget", true, 0, 1},
		{"retry with one", true, 1, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := &BaseStep{RetryOnFailure: tc.retry, MaxRetries: tc.max}
			if got := b.MaxAttempts(); got != tc.want {
				t.Errorf("MaxAttempts() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStep_Describe(t *testing.T) {
	testCases := []struct {
		name string
		step Step
		want string
	}{
		{"launchApp", &LaunchAppStep{AppID: "com.vendor.ac"}, "launchApp: com.vendor.ac"},
		{"wait", &WaitStep{DurationMs: 1500}, "wait: 1500ms"},
		{"tap point", &TapStep{Point: "50%, 20%"}, "tap: 50%, 20%"},
		{"tap coords", &TapStep{X: 100, Y: 200}, "tap: (100, 200)"},
		{"swipe direction", &SwipeStep{Direction: "UP"}, "swipe: UP"},
		{"swipe coords", &SwipeStep{StartX: 1, StartY: 2, EndX: 3, EndY: 4}, "swipe: (1, 2) -> (3, 4)"},
		{"textInput", &TextInputStep{Text: "21.5"}, `textInput: "21.5"`},
		{"keyEvent", &KeyEventStep{Key: "HOME"}, "keyEvent: HOME"},
		{"executeAction", &ExecuteActionStep{Action: "toggle_power"}, "executeAction: toggle_power"},
		{"captureSensors", &CaptureSensorsStep{Sensors: []string{"a", "b"}}, "captureSensors: a, b"},
		{"validateScreen", &ValidateScreenStep{Expect: map[string]string{"text": "AC", "class": "TextView"}}, "validateScreen: class, text"},
		{"scrollCapture default", &ScrollCaptureStep{}, "scrollCapture"},
		{"scrollCapture bounded", &ScrollCaptureStep{MaxScrolls: 5}, "scrollCapture: up to 5 scrolls"},
		{"goHome", &GoHomeStep{BaseStep: BaseStep{StepType: StepGoHome}}, "goHome"},
		{"conditional", &ConditionalStep{Then: []Step{&GoHomeStep{}}, Else: nil}, "conditional: 1/0 steps"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.step.Describe(); got != tc.want {
				t.Errorf("Describe() = %q, want %q", got, tc.want)
			}
		})
	}
}
