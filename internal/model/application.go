package model

import (
	"sort"

	"github.com/supvisors/supvisors/pkg/types"
)

// ApplicationStatus aggregates the cluster-wide view of an application.
type ApplicationStatus struct {
	Name         string
	State        types.ApplicationState
	MajorFailure bool
	MinorFailure bool
	Rules        ApplicationRules

	Processes map[string]*ProcessStatus
}

// NewApplicationStatus creates an empty application status.
func NewApplicationStatus(name string, rules ApplicationRules) *ApplicationStatus {
	return &ApplicationStatus{
		Name:      name,
		State:     types.ApplicationUnknown,
		Rules:     rules,
		Processes: make(map[string]*ProcessStatus),
	}
}

// Running reports whether the application is in a running-ish state.
func (a *ApplicationStatus) Running() bool {
	switch a.State {
	case types.ApplicationStarting, types.ApplicationRunning, types.ApplicationStopping:
		return true
	}
	return false
}

// Stopped reports whether the application is stopped.
func (a *ApplicationStatus) Stopped() bool {
	return a.State == types.ApplicationStopped || a.State == types.ApplicationUnknown
}

// Update re-derives the application state and failure flags from its members.
// The state rules, in priority order: any STARTING/BACKOFF member makes the
// application STARTING; else any STOPPING member makes it STOPPING; else any
// RUNNING member makes it RUNNING; else it is STOPPED.
func (a *ApplicationStatus) Update() {
	state := types.ApplicationStopped
	starting, stopping, running := false, false, false
	for _, process := range a.Processes {
		switch process.State {
		case types.ProcessStarting, types.ProcessBackoff:
			starting = true
		case types.ProcessStopping:
			stopping = true
		case types.ProcessRunning:
			running = true
		}
	}
	switch {
	case starting:
		state = types.ApplicationStarting
	case stopping:
		state = types.ApplicationStopping
	case running:
		state = types.ApplicationRunning
	}
	a.State = state

	a.MajorFailure = false
	a.MinorFailure = false
	if !a.Running() {
		return
	}
	for _, process := range a.Processes {
		if !process.Crashed() {
			continue
		}
		if process.Rules.Required {
			a.MajorFailure = true
		} else {
			a.MinorFailure = true
		}
	}
}

// SequenceMap groups processes by sequence number, ascending.
type SequenceMap map[int][]*ProcessStatus

// Keys returns the bucket keys in execution order.
func (m SequenceMap) Keys() []int {
	keys := make([]int, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}

// StartSequence buckets the auto-started members by their start sequence.
// Processes with a non-positive sequence never take part in automatic
// deployment and are excluded.
func (a *ApplicationStatus) StartSequence() SequenceMap {
	return a.sequence(func(p *ProcessStatus) int { return p.Rules.StartSequence })
}

// StopSequence buckets every member by its stop sequence. A non-positive stop
// sequence places the process in the first bucket.
func (a *ApplicationStatus) StopSequence() SequenceMap {
	buckets := make(SequenceMap)
	for _, name := range a.processNames() {
		process := a.Processes[name]
		key := process.Rules.StopSequence
		if key < 0 {
			key = 0
		}
		buckets[key] = append(buckets[key], process)
	}
	return buckets
}

func (a *ApplicationStatus) sequence(key func(*ProcessStatus) int) SequenceMap {
	buckets := make(SequenceMap)
	for _, name := range a.processNames() {
		process := a.Processes[name]
		k := key(process)
		if k <= 0 {
			continue
		}
		buckets[k] = append(buckets[k], process)
	}
	return buckets
}

func (a *ApplicationStatus) processNames() []string {
	names := make([]string, 0, len(a.Processes))
	for name := range a.Processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplicationPayload is the serial form published on the APPLICATION topic.
type ApplicationPayload struct {
	ApplicationName string `json:"application_name"`
	StateCode       int    `json:"statecode"`
	StateName       string `json:"statename"`
	MajorFailure    bool   `json:"major_failure"`
	MinorFailure    bool   `json:"minor_failure"`
}

// Serial returns the publishable payload of the status.
func (a *ApplicationStatus) Serial() ApplicationPayload {
	return ApplicationPayload{
		ApplicationName: a.Name,
		StateCode:       int(a.State),
		StateName:       a.State.String(),
		MajorFailure:    a.MajorFailure,
		MinorFailure:    a.MinorFailure,
	}
}
