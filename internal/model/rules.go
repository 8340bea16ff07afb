package model

import (
	"time"

	"github.com/supvisors/supvisors/pkg/types"
)

// Address selector literals accepted in process rules.
const (
	// AddressAny allows placement on any running node.
	AddressAny = "*"
	// AddressStriped assigns one process instance per eligible node in order.
	AddressStriped = "#"
)

// ProcessRules carries the deployment rules declared for a process.
type ProcessRules struct {
	StartSequence   int           `yaml:"start_sequence" json:"start_sequence"`
	StopSequence    int           `yaml:"stop_sequence" json:"stop_sequence"`
	Required        bool          `yaml:"required" json:"required"`
	WaitExit        bool          `yaml:"wait_exit" json:"wait_exit"`
	ExpectedLoading int           `yaml:"expected_loading" json:"expected_loading"`
	Addresses       []string      `yaml:"addresses" json:"addresses"`
	StartTime       time.Duration `yaml:"start_time" json:"start_time"`

	RunningFailureStrategy types.RunningFailureStrategy `yaml:"-" json:"-"`
}

// DefaultProcessRules returns the rules applied to processes without a record
// in the rules file.
func DefaultProcessRules() ProcessRules {
	return ProcessRules{
		StartSequence:   0,
		StopSequence:    0,
		Required:        false,
		WaitExit:        false,
		ExpectedLoading: 1,
		Addresses:       []string{AddressAny},
	}
}

// AllowsAddress reports whether the rules permit placement on the node.
func (r ProcessRules) AllowsAddress(address string) bool {
	for _, a := range r.Addresses {
		if a == AddressAny || a == AddressStriped || a == address {
			return true
		}
	}
	return false
}

// AutoStarted reports whether the process takes part in automatic deployment.
func (r ProcessRules) AutoStarted() bool {
	return r.StartSequence > 0
}

// RulesPayload is the serial form returned by get_process_rules.
type RulesPayload struct {
	ApplicationName        string   `json:"application_name"`
	ProcessName            string   `json:"process_name"`
	Addresses              []string `json:"addresses"`
	StartSequence          int      `json:"start_sequence"`
	StopSequence           int      `json:"stop_sequence"`
	Required               bool     `json:"required"`
	WaitExit               bool     `json:"wait_exit"`
	ExpectedLoading        int      `json:"expected_loading"`
	RunningFailureStrategy string   `json:"running_failure_strategy"`
}

// ApplicationRules carries the deployment rules declared for an application.
type ApplicationRules struct {
	StartSequence int `yaml:"start_sequence" json:"start_sequence"`
	StopSequence  int `yaml:"stop_sequence" json:"stop_sequence"`

	StartingStrategy        types.StartingStrategy        `yaml:"-" json:"-"`
	StartingFailureStrategy types.StartingFailureStrategy `yaml:"-" json:"-"`
	RunningFailureStrategy  types.RunningFailureStrategy  `yaml:"-" json:"-"`
}
