// Package fsm drives the top-level Supvisors lifecycle.
package fsm

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/clock"
	"github.com/supvisors/supvisors/internal/event"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/errors"
	"github.com/supvisors/supvisors/pkg/types"
)

// Inputs are the observations a transition evaluation runs on.
type Inputs struct {
	MasterElected   bool
	AllNodesSettled bool
	DeployDone      bool
	Conflicts       bool
}

// FSM is the cluster state machine. It runs on the core loop.
type FSM struct {
	logger    zerolog.Logger
	clock     clock.Clock
	publisher event.Publisher

	state   types.ClusterState
	entered time.Time

	synchroTimeout time.Duration
}

// New creates the FSM in INITIALIZATION.
func New(logger zerolog.Logger, clk clock.Clock, publisher event.Publisher, synchroTimeout time.Duration) *FSM {
	return &FSM{
		logger:         logger.With().Str("component", "fsm").Logger(),
		clock:          clk,
		publisher:      publisher,
		state:          types.ClusterInitialization,
		entered:        clk.Now(),
		synchroTimeout: synchroTimeout,
	}
}

// State returns the current cluster state.
func (f *FSM) State() types.ClusterState { return f.state }

// Serial returns the publishable payload of the state.
func (f *FSM) Serial() model.SupvisorsPayload {
	return model.SupvisorsPayload{StateCode: int(f.state), StateName: f.state.String()}
}

// Evaluate applies the transition table once. It returns the new state and
// whether a transition was taken; entry actions belong to the caller.
func (f *FSM) Evaluate(in Inputs) (types.ClusterState, bool) {
	next := f.state
	switch f.state {
	case types.ClusterInitialization:
		if in.MasterElected && in.AllNodesSettled && f.synchroElapsed() {
			next = types.ClusterDeployment
		}
	case types.ClusterDeployment:
		if !in.MasterElected {
			next = types.ClusterInitialization
		} else if in.DeployDone {
			next = types.ClusterOperation
		}
	case types.ClusterOperation:
		if !in.MasterElected {
			next = types.ClusterInitialization
		} else if in.Conflicts {
			next = types.ClusterConciliation
		}
	case types.ClusterConciliation:
		if !in.MasterElected {
			next = types.ClusterInitialization
		} else if !in.Conflicts {
			next = types.ClusterOperation
		}
	}
	if next == f.state {
		return f.state, false
	}
	f.transition(next)
	return f.state, true
}

// OnRestart forces RESTARTING. Rejected once a final state is reached.
func (f *FSM) OnRestart() error {
	if f.state == types.ClusterRestarting || f.state == types.ClusterShuttingDown {
		return f.badState("restart")
	}
	f.transition(types.ClusterRestarting)
	return nil
}

// OnShutdown forces SHUTTING_DOWN from any state other than SHUTTING_DOWN itself.
func (f *FSM) OnShutdown() error {
	if f.state == types.ClusterShuttingDown {
		return f.badState("shutdown")
	}
	f.transition(types.ClusterShuttingDown)
	return nil
}

// RPC preconditions

// CheckFromDeployment allows read RPCs once the cluster left INITIALIZATION.
func (f *FSM) CheckFromDeployment() error {
	switch f.state {
	case types.ClusterDeployment, types.ClusterOperation, types.ClusterConciliation,
		types.ClusterRestarting, types.ClusterShuttingDown:
		return nil
	}
	return f.badState("from_deployment")
}

// CheckOperating allows commands bound to OPERATION.
func (f *FSM) CheckOperating() error {
	if f.state == types.ClusterOperation {
		return nil
	}
	return f.badState("operating")
}

// CheckOperatingConciliation allows commands valid in OPERATION and CONCILIATION.
func (f *FSM) CheckOperatingConciliation() error {
	if f.state == types.ClusterOperation || f.state == types.ClusterConciliation {
		return nil
	}
	return f.badState("operating_conciliation")
}

func (f *FSM) badState(check string) error {
	return errors.Newf(errors.ErrCodeBadSupvisorsState,
		"Supvisors is in %s state", f.state).
		WithComponent("fsm").WithOperation(check)
}

func (f *FSM) synchroElapsed() bool {
	return f.clock.Now().Sub(f.entered) >= f.synchroTimeout
}

func (f *FSM) transition(next types.ClusterState) {
	f.logger.Info().Str("from", f.state.String()).Str("to", next.String()).
		Msg("cluster state changed")
	f.state = next
	f.entered = f.clock.Now()
	f.publisher.Publish(types.TopicSupvisors, f.Serial())
}
