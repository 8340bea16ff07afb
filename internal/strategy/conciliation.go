package strategy

import (
	"time"

	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/types"
)

// ConciliationAction resolves one conflicting process: stop the listed
// instances, optionally restart the process afterwards or hand it to its
// running failure strategy.
type ConciliationAction struct {
	Process           *model.ProcessStatus
	StopAddresses     []string
	Restart           bool
	UseRunningFailure bool
}

// Conciliate derives the actions resolving the given conflicts under the
// chosen policy. USER returns no action and leaves conflicts to the operator.
func Conciliate(strategy types.ConciliationStrategy, conflicts []*model.ProcessStatus) []ConciliationAction {
	var actions []ConciliationAction
	for _, process := range conflicts {
		var action ConciliationAction
		switch strategy {
		case types.ConciliationSenicide:
			action = keepInstance(process, oldestInstance(process))
		case types.ConciliationInfanticide:
			action = keepInstance(process, newestInstance(process))
		case types.ConciliationStop:
			action = ConciliationAction{Process: process, StopAddresses: process.AddressList()}
		case types.ConciliationRestart:
			action = ConciliationAction{Process: process, StopAddresses: process.AddressList(), Restart: true}
		case types.ConciliationRunningFailure:
			action = ConciliationAction{Process: process, StopAddresses: process.AddressList(), UseRunningFailure: true}
		default: // USER
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

// keepInstance stops every instance but the kept one.
func keepInstance(process *model.ProcessStatus, keep string) ConciliationAction {
	action := ConciliationAction{Process: process}
	for _, address := range process.AddressList() {
		if address != keep {
			action.StopAddresses = append(action.StopAddresses, address)
		}
	}
	return action
}

// oldestInstance returns the location with the earliest start time, the
// address ordering breaking ties.
func oldestInstance(process *model.ProcessStatus) string {
	best := ""
	var bestTime time.Time
	for _, address := range process.AddressList() {
		started := process.Addresses[address]
		if best == "" || started.Before(bestTime) {
			best = address
			bestTime = started
		}
	}
	return best
}

// newestInstance returns the location with the latest start time.
func newestInstance(process *model.ProcessStatus) string {
	best := ""
	var bestTime time.Time
	for _, address := range process.AddressList() {
		started := process.Addresses[address]
		if best == "" || started.After(bestTime) {
			best = address
			bestTime = started
		}
	}
	return best
}
