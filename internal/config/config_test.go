package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/supvisors/supvisors/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOptions_Defaults(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "supvisors.yaml", `
address_list:
  - cliche01
  - cliche02
`)
	options, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if options.SynchroTimeout != 15*time.Second {
		t.Errorf("SynchroTimeout = %v", options.SynchroTimeout)
	}
	if options.TickPeriod != 5*time.Second {
		t.Errorf("TickPeriod = %v", options.TickPeriod)
	}
	if options.EventPort != 60002 {
		t.Errorf("EventPort = %d", options.EventPort)
	}
	if options.ConciliationStrategy != "USER" {
		t.Errorf("ConciliationStrategy = %q", options.ConciliationStrategy)
	}
}

func TestLoadOptions_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"empty address list", `synchro_timeout: 30s`},
		{"duplicate address", "address_list: [n1, n1]"},
		{"synchro below tick", "address_list: [n1]\nsynchro_timeout: 1s\ntick_period: 5s"},
		{"histo out of range", "address_list: [n1]\nstats_histo: 5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "supvisors.yaml", tt.content)
			if _, err := LoadOptions(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

const sampleRules = `
applications:
  movies:
    start_sequence: 1
    stop_sequence: 1
    starting_strategy: LESS_LOADED
    starting_failure_strategy: STOP
    running_failure_strategy: RESTART_PROCESS
    processes:
      converter:
        start_sequence: 1
        required: true
        expected_loading: 20
        addresses: ["*"]
        start_time: 30s
      web:
        start_sequence: 2
        wait_exit: true
        expected_loading: 5
        addresses: [cliche01, cliche02]
        running_failure_strategy: STOP_APPLICATION
`

func TestParseRules(t *testing.T) {
	t.Parallel()

	rules, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules failed: %v", err)
	}

	app := rules.ApplicationRules("movies")
	if app.StartSequence != 1 {
		t.Errorf("StartSequence = %d", app.StartSequence)
	}
	if app.StartingStrategy != types.StrategyLessLoaded {
		t.Errorf("StartingStrategy = %v", app.StartingStrategy)
	}
	if app.StartingFailureStrategy != types.StartingFailureStop {
		t.Errorf("StartingFailureStrategy = %v", app.StartingFailureStrategy)
	}

	converter := rules.ProcessRules("movies", "converter")
	if !converter.Required || converter.ExpectedLoading != 20 {
		t.Errorf("converter rules = %+v", converter)
	}
	if converter.StartTime != 30*time.Second {
		t.Errorf("StartTime = %v", converter.StartTime)
	}
	// Inherits the application running failure strategy.
	if converter.RunningFailureStrategy != types.RunningFailureRestartProcess {
		t.Errorf("RunningFailureStrategy = %v", converter.RunningFailureStrategy)
	}

	web := rules.ProcessRules("movies", "web")
	if !web.WaitExit || len(web.Addresses) != 2 {
		t.Errorf("web rules = %+v", web)
	}
	// Process-level strategy overrides the application's.
	if web.RunningFailureStrategy != types.RunningFailureStopApplication {
		t.Errorf("RunningFailureStrategy = %v", web.RunningFailureStrategy)
	}
}

func TestParseRules_UnknownProcessGetsDefaults(t *testing.T) {
	t.Parallel()

	rules, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	defaults := rules.ProcessRules("movies", "nonexistent")
	if defaults.Required || defaults.StartSequence != 0 {
		t.Errorf("defaults = %+v", defaults)
	}
	if len(defaults.Addresses) != 1 || defaults.Addresses[0] != "*" {
		t.Errorf("default addresses = %v", defaults.Addresses)
	}
}

func TestParseRules_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"bad strategy", "applications:\n  a:\n    starting_strategy: BOGUS"},
		{"bad loading", "applications:\n  a:\n    processes:\n      p:\n        expected_loading: 150"},
		{"bad failure strategy", "applications:\n  a:\n    running_failure_strategy: NOPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.content)); err == nil {
				t.Error("expected a parse error")
			}
		})
	}
}
