package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/types"
)

// rulesFile is the yaml shape of the deployment rules.
type rulesFile struct {
	Applications map[string]applicationRules `yaml:"applications"`
}

type applicationRules struct {
	StartSequence           int                     `yaml:"start_sequence"`
	StopSequence            int                     `yaml:"stop_sequence"`
	StartingStrategy        string                  `yaml:"starting_strategy"`
	StartingFailureStrategy string                  `yaml:"starting_failure_strategy"`
	RunningFailureStrategy  string                  `yaml:"running_failure_strategy"`
	Processes               map[string]processRules `yaml:"processes"`
}

type processRules struct {
	StartSequence          int           `yaml:"start_sequence"`
	StopSequence           int           `yaml:"stop_sequence"`
	Required               bool          `yaml:"required"`
	WaitExit               bool          `yaml:"wait_exit"`
	ExpectedLoading        *int          `yaml:"expected_loading"`
	Addresses              []string      `yaml:"addresses"`
	StartTime              time.Duration `yaml:"start_time"`
	RunningFailureStrategy string        `yaml:"running_failure_strategy"`
}

// Rules is the parsed deployment rules, indexed by application name.
type Rules struct {
	Applications map[string]ApplicationRules
}

// ApplicationRules bundles an application record with its process records.
type ApplicationRules struct {
	Application model.ApplicationRules
	Processes   map[string]model.ProcessRules
}

// ApplicationRules returns the rules of an application, or defaults when the
// file has no record for it.
func (r *Rules) ApplicationRules(name string) model.ApplicationRules {
	if app, ok := r.Applications[name]; ok {
		return app.Application
	}
	return model.ApplicationRules{}
}

// ProcessRules returns the rules of a process, or defaults when the file has
// no record for it.
func (r *Rules) ProcessRules(applicationName, processName string) model.ProcessRules {
	if app, ok := r.Applications[applicationName]; ok {
		if rules, ok := app.Processes[processName]; ok {
			return rules
		}
	}
	return model.DefaultProcessRules()
}

// LoadRules reads and resolves a rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules resolves rules from raw yaml.
func ParseRules(data []byte) (*Rules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := &Rules{Applications: make(map[string]ApplicationRules)}
	for appName, app := range file.Applications {
		appRunningFailure, err := parseRunningFailure(app.RunningFailureStrategy)
		if err != nil {
			return nil, fmt.Errorf("application %s: %w", appName, err)
		}
		resolved := ApplicationRules{
			Application: model.ApplicationRules{
				StartSequence:          app.StartSequence,
				StopSequence:           app.StopSequence,
				RunningFailureStrategy: appRunningFailure,
			},
			Processes: make(map[string]model.ProcessRules),
		}
		if app.StartingStrategy != "" {
			strategy, err := types.ParseStartingStrategy(app.StartingStrategy)
			if err != nil {
				return nil, fmt.Errorf("application %s: %w", appName, err)
			}
			resolved.Application.StartingStrategy = strategy
		}
		if app.StartingFailureStrategy != "" {
			strategy, err := types.ParseStartingFailureStrategy(app.StartingFailureStrategy)
			if err != nil {
				return nil, fmt.Errorf("application %s: %w", appName, err)
			}
			resolved.Application.StartingFailureStrategy = strategy
		}

		for procName, proc := range app.Processes {
			procRules, err := resolveProcessRules(proc, appRunningFailure)
			if err != nil {
				return nil, fmt.Errorf("process %s:%s: %w", appName, procName, err)
			}
			resolved.Processes[procName] = procRules
		}
		rules.Applications[appName] = resolved
	}
	return rules, nil
}

func resolveProcessRules(proc processRules, appRunningFailure types.RunningFailureStrategy) (model.ProcessRules, error) {
	rules := model.DefaultProcessRules()
	rules.StartSequence = proc.StartSequence
	rules.StopSequence = proc.StopSequence
	rules.Required = proc.Required
	rules.WaitExit = proc.WaitExit
	rules.StartTime = proc.StartTime
	rules.RunningFailureStrategy = appRunningFailure

	if proc.ExpectedLoading != nil {
		loading := *proc.ExpectedLoading
		if loading < 0 || loading > 100 {
			return rules, fmt.Errorf("expected_loading %d out of range [0, 100]", loading)
		}
		rules.ExpectedLoading = loading
	}
	if len(proc.Addresses) > 0 {
		for _, address := range proc.Addresses {
			if address == "" {
				return rules, fmt.Errorf("empty address in rules")
			}
		}
		rules.Addresses = proc.Addresses
	}
	if proc.RunningFailureStrategy != "" {
		strategy, err := types.ParseRunningFailureStrategy(proc.RunningFailureStrategy)
		if err != nil {
			return rules, err
		}
		rules.RunningFailureStrategy = strategy
	}
	return rules, nil
}

func parseRunningFailure(name string) (types.RunningFailureStrategy, error) {
	if name == "" {
		return types.RunningFailureContinue, nil
	}
	return types.ParseRunningFailureStrategy(name)
}
