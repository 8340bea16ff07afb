package model

import (
	"sort"
	"time"

	"github.com/supvisors/supvisors/pkg/types"
)

// ProcessEvent is a state change pushed by a local supervisor.
type ProcessEvent struct {
	Address         string             `json:"address"`
	ApplicationName string             `json:"group"`
	ProcessName     string             `json:"name"`
	State           types.ProcessState `json:"state"`
	Expected        bool               `json:"expected"`
	ExtraArgs       string             `json:"extra_args"`
	SpawnError      string             `json:"spawnerr,omitempty"`
	Now             time.Time          `json:"now"`
}

// Namespec returns the process identifier carried by the event.
func (e ProcessEvent) Namespec() types.Namespec {
	return types.Namespec{ApplicationName: e.ApplicationName, ProcessName: e.ProcessName}
}

// ProcessStatus is the cluster-wide view of one process.
type ProcessStatus struct {
	ApplicationName string
	ProcessName     string
	State           types.ProcessState
	ExpectedExit    bool
	ExtraArgs       string
	Rules           ProcessRules
	LastEventTime   time.Time

	// Addresses holds the nodes currently believed to run the process,
	// with the timestamp of the event that added each one (the local clock
	// reading when the event carried no time).
	Addresses map[string]time.Time
}

// NewProcessStatus creates a process status in the UNKNOWN state.
func NewProcessStatus(applicationName, processName string, rules ProcessRules) *ProcessStatus {
	return &ProcessStatus{
		ApplicationName: applicationName,
		ProcessName:     processName,
		State:           types.ProcessUnknown,
		Rules:           rules,
		Addresses:       make(map[string]time.Time),
	}
}

// Namespec returns the process identifier.
func (p *ProcessStatus) Namespec() types.Namespec {
	return types.Namespec{ApplicationName: p.ApplicationName, ProcessName: p.ProcessName}
}

// Stopped reports whether the process is in a stopped state.
func (p *ProcessStatus) Stopped() bool { return p.State.Stopped() }

// Running reports whether the process is in a running state.
func (p *ProcessStatus) Running() bool { return p.State.Running() }

// RunningOn reports whether the process is believed to run on the node.
func (p *ProcessStatus) RunningOn(address string) bool {
	_, ok := p.Addresses[address]
	return ok
}

// Conflicting reports whether more than one node runs the process.
func (p *ProcessStatus) Conflicting() bool {
	return len(p.Addresses) > 1
}

// Crashed reports an unexpected termination: FATAL, or EXITED without the
// expected flag.
func (p *ProcessStatus) Crashed() bool {
	return p.State == types.ProcessFatal ||
		(p.State == types.ProcessExited && !p.ExpectedExit)
}

// AddressList returns the running locations in deterministic order.
func (p *ProcessStatus) AddressList() []string {
	addresses := make([]string, 0, len(p.Addresses))
	for address := range p.Addresses {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// ApplyEvent folds a local supervisor event into the status. A running report
// adds the node to the address set and becomes current; a STOPPING report
// becomes current and keeps the node; a stopped report removes the node and
// becomes current only once no node remains in the address set.
func (p *ProcessStatus) ApplyEvent(event ProcessEvent) {
	p.LastEventTime = event.Now
	if event.ExtraArgs != "" {
		p.ExtraArgs = event.ExtraArgs
	}

	if event.State.Running() {
		if _, ok := p.Addresses[event.Address]; !ok {
			p.Addresses[event.Address] = event.Now
		}
		p.State = event.State
		p.ExpectedExit = true
		return
	}

	if event.State == types.ProcessStopping {
		// The node still holds the process while it shuts down.
		p.State = event.State
		return
	}

	delete(p.Addresses, event.Address)
	if len(p.Addresses) == 0 {
		p.State = event.State
		p.ExpectedExit = event.Expected
	}
	// A remaining location keeps the process running from the cluster's
	// point of view; the duplicate has simply gone away.
}

// InvalidateAddress drops a lost node from the running locations and
// re-derives the state. Used when a node turns SILENT or ISOLATED.
func (p *ProcessStatus) InvalidateAddress(address string) {
	if _, ok := p.Addresses[address]; !ok {
		return
	}
	delete(p.Addresses, address)
	if len(p.Addresses) == 0 && p.State.Running() {
		p.State = types.ProcessUnknown
	}
}

// SerialRules returns the publishable form of the process rules.
func (p *ProcessStatus) SerialRules() RulesPayload {
	return RulesPayload{
		ApplicationName:        p.ApplicationName,
		ProcessName:            p.ProcessName,
		Addresses:              append([]string(nil), p.Rules.Addresses...),
		StartSequence:          p.Rules.StartSequence,
		StopSequence:           p.Rules.StopSequence,
		Required:               p.Rules.Required,
		WaitExit:               p.Rules.WaitExit,
		ExpectedLoading:        p.Rules.ExpectedLoading,
		RunningFailureStrategy: p.Rules.RunningFailureStrategy.String(),
	}
}

// ProcessPayload is the serial form published on the PROCESS topic.
type ProcessPayload struct {
	ApplicationName string   `json:"application_name"`
	ProcessName     string   `json:"process_name"`
	StateCode       int      `json:"statecode"`
	StateName       string   `json:"statename"`
	ExpectedExit    bool     `json:"expected_exit"`
	LastEventTime   int64    `json:"last_event_time"`
	Addresses       []string `json:"addresses"`
	ExtraArgs       string   `json:"extra_args,omitempty"`
}

// Serial returns the publishable payload of the status.
func (p *ProcessStatus) Serial() ProcessPayload {
	return ProcessPayload{
		ApplicationName: p.ApplicationName,
		ProcessName:     p.ProcessName,
		StateCode:       int(p.State),
		StateName:       p.State.String(),
		ExpectedExit:    p.ExpectedExit,
		LastEventTime:   p.LastEventTime.Unix(),
		Addresses:       p.AddressList(),
		ExtraArgs:       p.ExtraArgs,
	}
}
