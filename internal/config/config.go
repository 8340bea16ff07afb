// Package config loads the Supvisors runtime options and the deployment
// rules file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Options represents the runtime configuration of the daemon.
type Options struct {
	// AddressList declares every node of the cluster, in priority order.
	// The first canonical form of each entry is the node identity.
	AddressList []string `yaml:"address_list"`

	// SynchroTimeout bounds the INITIALIZATION phase and the heartbeat
	// staleness check.
	SynchroTimeout time.Duration `yaml:"synchro_timeout"`

	// TickPeriod drives the internal timer.
	TickPeriod time.Duration `yaml:"tick_period"`

	// RulesFile locates the deployment rules.
	RulesFile string `yaml:"rules_file"`

	// EventPort is the TCP port of the JSON-lines event publisher.
	EventPort int `yaml:"event_port"`

	// HTTPPort serves the cluster RPC facade.
	HTTPPort int `yaml:"http_port"`

	// MetricsPort serves the Prometheus endpoint; 0 disables it.
	MetricsPort int `yaml:"metrics_port"`

	// SupervisorPort is the local supervisor RPC port on every node.
	SupervisorPort int `yaml:"supervisor_port"`

	// StatsPeriods lists the sampling periods of the loading history.
	StatsPeriods []time.Duration `yaml:"stats_periods"`

	// StatsHisto is the depth of the loading history ring per node.
	StatsHisto int `yaml:"stats_histo"`

	// ConciliationStrategy names the policy applied to conflicts.
	ConciliationStrategy string `yaml:"conciliation_strategy"`

	// MinJobTimeout floors the per-job timeout of the Commander.
	MinJobTimeout time.Duration `yaml:"min_job_timeout"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// applyDefaults fills zero-valued fields with operational defaults.
func applyDefaults(options *Options) {
	if options.SynchroTimeout == 0 {
		options.SynchroTimeout = 15 * time.Second
	}
	if options.TickPeriod == 0 {
		options.TickPeriod = 5 * time.Second
	}
	if options.EventPort == 0 {
		options.EventPort = 60002
	}
	if options.HTTPPort == 0 {
		options.HTTPPort = 60000
	}
	if options.SupervisorPort == 0 {
		options.SupervisorPort = 60001
	}
	if len(options.StatsPeriods) == 0 {
		options.StatsPeriods = []time.Duration{5 * time.Second, time.Minute, 10 * time.Minute}
	}
	if options.StatsHisto == 0 {
		options.StatsHisto = 200
	}
	if options.ConciliationStrategy == "" {
		options.ConciliationStrategy = "USER"
	}
	if options.MinJobTimeout == 0 {
		options.MinJobTimeout = 10 * time.Second
	}
	if options.LogLevel == "" {
		options.LogLevel = "info"
	}
}

// Validate checks option consistency.
func (o *Options) Validate() error {
	if len(o.AddressList) == 0 {
		return fmt.Errorf("address_list must declare at least one node")
	}
	seen := make(map[string]bool)
	for _, address := range o.AddressList {
		if address == "" {
			return fmt.Errorf("address_list contains an empty entry")
		}
		if seen[address] {
			return fmt.Errorf("address_list contains %q twice", address)
		}
		seen[address] = true
	}
	if o.SynchroTimeout < o.TickPeriod {
		return fmt.Errorf("synchro_timeout %v below tick_period %v", o.SynchroTimeout, o.TickPeriod)
	}
	if o.StatsHisto < 10 || o.StatsHisto > 1500 {
		return fmt.Errorf("stats_histo %d out of range [10, 1500]", o.StatsHisto)
	}
	return nil
}

// LoadOptions reads and validates an options file.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}
	options := &Options{}
	if err := yaml.Unmarshal(data, options); err != nil {
		return nil, fmt.Errorf("failed to parse options file: %w", err)
	}
	applyDefaults(options)
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return options, nil
}
