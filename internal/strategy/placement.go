// Package strategy implements node placement for process starts and the
// conciliation policies for duplicate-running processes.
package strategy

import (
	"strconv"

	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/types"
)

// maxLoading is the load budget of one node.
const maxLoading = 100

// NodeView exposes the node state a placement decision needs.
type NodeView interface {
	RunningAddresses() []string
	Loading(address string) int
}

// Selector picks a node for a process according to a placement strategy.
type Selector struct {
	declared []string
	view     NodeView
}

// NewSelector builds a selector over the declared node order.
func NewSelector(declared []string, view NodeView) *Selector {
	return &Selector{declared: declared, view: view}
}

// Select returns the chosen node for the process, or the empty string when
// no eligible node can absorb its expected loading.
func (s *Selector) Select(strategy types.StartingStrategy, process *model.ProcessStatus) string {
	eligible := s.eligible(process.Rules)
	if len(eligible) == 0 {
		return ""
	}

	if striped(process.Rules) {
		return s.selectStriped(eligible, process)
	}

	switch strategy {
	case types.StrategyLessLoaded:
		return s.selectLessLoaded(eligible, process.Rules.ExpectedLoading)
	case types.StrategyMostLoaded:
		return s.selectMostLoaded(eligible, process.Rules.ExpectedLoading)
	default:
		return s.selectConfig(eligible, process.Rules.ExpectedLoading)
	}
}

// eligible filters the declared nodes, in declaration order, down to those
// running and allowed by the rules.
func (s *Selector) eligible(rules model.ProcessRules) []string {
	running := make(map[string]bool)
	for _, address := range s.view.RunningAddresses() {
		running[address] = true
	}
	var eligible []string
	for _, address := range s.declared {
		if running[address] && rules.AllowsAddress(address) {
			eligible = append(eligible, address)
		}
	}
	return eligible
}

func (s *Selector) fits(address string, expectedLoading int) bool {
	return s.view.Loading(address)+expectedLoading <= maxLoading
}

// selectConfig picks the first eligible node with room.
func (s *Selector) selectConfig(eligible []string, expectedLoading int) string {
	for _, address := range eligible {
		if s.fits(address, expectedLoading) {
			return address
		}
	}
	return ""
}

// selectLessLoaded picks the least loaded node with room, declaration order
// breaking ties.
func (s *Selector) selectLessLoaded(eligible []string, expectedLoading int) string {
	best := ""
	bestLoading := maxLoading + 1
	for _, address := range eligible {
		if loading := s.view.Loading(address); s.fits(address, expectedLoading) && loading < bestLoading {
			best = address
			bestLoading = loading
		}
	}
	return best
}

// selectMostLoaded picks the most loaded node that still has room, for
// consolidation.
func (s *Selector) selectMostLoaded(eligible []string, expectedLoading int) string {
	best := ""
	bestLoading := -1
	for _, address := range eligible {
		if loading := s.view.Loading(address); s.fits(address, expectedLoading) && loading > bestLoading {
			best = address
			bestLoading = loading
		}
	}
	return best
}

// selectStriped spreads homogeneous process instances one per eligible node,
// keyed by the trailing index of the process name.
func (s *Selector) selectStriped(eligible []string, process *model.ProcessStatus) string {
	address := eligible[instanceIndex(process.ProcessName)%len(eligible)]
	if s.fits(address, process.Rules.ExpectedLoading) {
		return address
	}
	return ""
}

func striped(rules model.ProcessRules) bool {
	for _, address := range rules.Addresses {
		if address == model.AddressStriped {
			return true
		}
	}
	return false
}

// instanceIndex extracts the trailing decimal of a process name, e.g.
// "worker_02" yields 2. Names without an index map to 0.
func instanceIndex(name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0
	}
	index, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0
	}
	return index
}
