package core

import (
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/errors"
	"github.com/supvisors/supvisors/pkg/types"
)

// The facade API. Every method runs its body on the core loop; the calling
// goroutine blocks only for the submission, never for command completion.

var errStopped = errors.NewError(errors.ErrCodeBadSupvisorsState, "Supvisors is not running")

// do runs fn on the loop and waits for it.
func (s *Server) do(fn func()) error {
	done := make(chan struct{})
	wrapped := requestMsg{fn: func() {
		defer close(done)
		fn()
	}}
	select {
	case s.ingress <- wrapped:
	case <-s.closed:
		return errStopped
	}
	select {
	case <-done:
		return nil
	case <-s.closed:
		return errStopped
	}
}

// GetAPIVersion returns the RPC API version.
func (s *Server) GetAPIVersion() string { return APIVersion }

// GetSupvisorsState returns the cluster state payload.
func (s *Server) GetSupvisorsState() (model.SupvisorsPayload, error) {
	var payload model.SupvisorsPayload
	err := s.do(func() { payload = s.fsm.Serial() })
	return payload, err
}

// GetMasterAddress returns the elected master, empty when none.
func (s *Server) GetMasterAddress() (string, error) {
	var master string
	err := s.do(func() { master = s.ctx.Master() })
	return master, err
}

// GetAllAddressesInfo returns every node payload.
func (s *Server) GetAllAddressesInfo() ([]model.AddressPayload, error) {
	var payloads []model.AddressPayload
	err := s.read(func() error {
		for _, name := range s.ctx.AddressNames() {
			status, err := s.ctx.Address(name)
			if err != nil {
				return err
			}
			payloads = append(payloads, status.Serial())
		}
		return nil
	})
	return payloads, err
}

// GetAddressInfo returns one node payload.
func (s *Server) GetAddressInfo(name string) (model.AddressPayload, error) {
	var payload model.AddressPayload
	err := s.read(func() error {
		status, err := s.ctx.Address(name)
		if err != nil {
			return err
		}
		payload = status.Serial()
		return nil
	})
	return payload, err
}

// GetAllApplicationsInfo returns every application payload.
func (s *Server) GetAllApplicationsInfo() ([]model.ApplicationPayload, error) {
	var payloads []model.ApplicationPayload
	err := s.read(func() error {
		for _, name := range s.ctx.ApplicationNames() {
			application, err := s.ctx.Application(name)
			if err != nil {
				return err
			}
			payloads = append(payloads, application.Serial())
		}
		return nil
	})
	return payloads, err
}

// GetApplicationInfo returns one application payload.
func (s *Server) GetApplicationInfo(name string) (model.ApplicationPayload, error) {
	var payload model.ApplicationPayload
	err := s.read(func() error {
		application, err := s.ctx.Application(name)
		if err != nil {
			return err
		}
		payload = application.Serial()
		return nil
	})
	return payload, err
}

// GetAllProcessInfo returns every process payload.
func (s *Server) GetAllProcessInfo() ([]model.ProcessPayload, error) {
	var payloads []model.ProcessPayload
	err := s.read(func() error {
		for _, process := range s.ctx.Processes() {
			payloads = append(payloads, process.Serial())
		}
		return nil
	})
	return payloads, err
}

// GetProcessInfo returns the payloads matched by a namespec, which may
// carry a wildcard process part.
func (s *Server) GetProcessInfo(namespec string) ([]model.ProcessPayload, error) {
	var payloads []model.ProcessPayload
	err := s.read(func() error {
		processes, err := s.expand(namespec)
		if err != nil {
			return err
		}
		for _, process := range processes {
			payloads = append(payloads, process.Serial())
		}
		return nil
	})
	return payloads, err
}

// GetProcessRules returns the rules matched by a namespec.
func (s *Server) GetProcessRules(namespec string) ([]model.RulesPayload, error) {
	var payloads []model.RulesPayload
	err := s.read(func() error {
		processes, err := s.expand(namespec)
		if err != nil {
			return err
		}
		for _, process := range processes {
			payloads = append(payloads, process.SerialRules())
		}
		return nil
	})
	return payloads, err
}

// GetConflicts returns the payloads of every conflicting process.
func (s *Server) GetConflicts() ([]model.ProcessPayload, error) {
	var payloads []model.ProcessPayload
	err := s.read(func() error {
		for _, process := range s.ctx.Conflicts() {
			payloads = append(payloads, process.Serial())
		}
		return nil
	})
	return payloads, err
}

// StartApplication submits a start plan for the application.
func (s *Server) StartApplication(strategyChoice types.StartingStrategy, name string) (*Deferred, error) {
	return s.command(func(d *Deferred) error {
		if err := s.fsm.CheckOperating(); err != nil {
			return err
		}
		return s.commander.StartApplication(strategyChoice, name, d.resolve)
	})
}

// StopApplication submits a stop plan for the application.
func (s *Server) StopApplication(name string) (*Deferred, error) {
	return s.command(func(d *Deferred) error {
		if err := s.fsm.CheckOperatingConciliation(); err != nil {
			return err
		}
		return s.commander.StopApplication(name, d.resolve)
	})
}

// RestartApplication stops then starts the application. A stop failure does
// not prevent the start attempt.
func (s *Server) RestartApplication(strategyChoice types.StartingStrategy, name string) (*Deferred, error) {
	return s.command(func(d *Deferred) error {
		if err := s.fsm.CheckOperating(); err != nil {
			return err
		}
		return s.commander.StopApplication(name, func(error) {
			if err := s.commander.StartApplication(strategyChoice, name, d.resolve); err != nil {
				d.resolve(err)
			}
		})
	})
}

// StartProcess submits a start for the processes matched by the namespec.
func (s *Server) StartProcess(strategyChoice types.StartingStrategy, namespec, extraArgs string) (*Deferred, error) {
	return s.command(func(d *Deferred) error {
		if err := s.fsm.CheckOperating(); err != nil {
			return err
		}
		specs, err := s.expandSpecs(namespec)
		if err != nil {
			return err
		}
		return s.commander.StartProcesses(strategyChoice, specs, extraArgs, "", d.resolve)
	})
}

// StartArgs stores new extra arguments on the process and starts it on this
// node. The arguments stick even when the process is already running.
func (s *Server) StartArgs(namespec, extraArgs string) (*Deferred, error) {
	return s.command(func(d *Deferred) error {
		if err := s.fsm.CheckOperating(); err != nil {
			return err
		}
		spec, err := types.ParseNamespec(namespec)
		if err != nil {
			return errors.NewError(errors.ErrCodeBadName, err.Error()).WithComponent("core")
		}
		if spec.Wildcard() {
			return errors.Newf(errors.ErrCodeBadExtraArgs,
				"extra arguments need a single process, got %q", namespec).WithComponent("core")
		}
		if err := s.ctx.SetExtraArgs(spec, extraArgs); err != nil {
			return err
		}
		return s.commander.StartProcesses(types.StrategyConfig, []types.Namespec{spec},
			extraArgs, s.ctx.LocalAddress(), d.resolve)
	})
}

// StopProcess submits a stop for the processes matched by the namespec.
// Stopping a process that runs nowhere is rejected with NOT_RUNNING.
func (s *Server) StopProcess(namespec string) (*Deferred, error) {
	return s.command(func(d *Deferred) error {
		if err := s.fsm.CheckOperatingConciliation(); err != nil {
			return err
		}
		processes, err := s.expand(namespec)
		if err != nil {
			return err
		}
		specs := make([]types.Namespec, 0, len(processes))
		anyRunning := false
		for _, process := range processes {
			if !process.Stopped() {
				anyRunning = true
			}
			specs = append(specs, process.Namespec())
		}
		if !anyRunning {
			return errors.Newf(errors.ErrCodeNotRunning, "process %q is not running", namespec).
				WithComponent("core")
		}
		return s.commander.StopProcesses(specs, d.resolve)
	})
}

// RestartProcess stops then starts the matched processes. A stop failure
// does not prevent the start attempt.
func (s *Server) RestartProcess(strategyChoice types.StartingStrategy, namespec, extraArgs string) (*Deferred, error) {
	return s.command(func(d *Deferred) error {
		if err := s.fsm.CheckOperating(); err != nil {
			return err
		}
		specs, err := s.expandSpecs(namespec)
		if err != nil {
			return err
		}
		return s.commander.StopProcesses(specs, func(error) {
			if err := s.commander.StartProcesses(strategyChoice, specs, extraArgs, "", d.resolve); err != nil {
				d.resolve(err)
			}
		})
	})
}

// Restart asks the whole Supvisors to restart.
func (s *Server) Restart() error {
	var rpcErr error
	err := s.do(func() {
		if rpcErr = s.fsm.OnRestart(); rpcErr == nil {
			s.onEnter(types.ClusterRestarting)
		}
	})
	if err != nil {
		return err
	}
	return rpcErr
}

// Shutdown asks the whole Supvisors to shut down.
func (s *Server) Shutdown() error {
	var rpcErr error
	err := s.do(func() {
		if rpcErr = s.fsm.OnShutdown(); rpcErr == nil {
			s.onEnter(types.ClusterShuttingDown)
		}
	})
	if err != nil {
		return err
	}
	return rpcErr
}

// helpers

// read runs a read on the loop behind the from-deployment gate.
func (s *Server) read(fn func() error) error {
	var rpcErr error
	err := s.do(func() {
		if rpcErr = s.fsm.CheckFromDeployment(); rpcErr != nil {
			return
		}
		rpcErr = fn()
	})
	if err != nil {
		return err
	}
	return rpcErr
}

// command runs a submission on the loop and hands back its deferred handle.
func (s *Server) command(submit func(*Deferred) error) (*Deferred, error) {
	d := newDeferred()
	var rpcErr error
	err := s.do(func() { rpcErr = submit(d) })
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	return d, nil
}

// expand matches a namespec literal against the Context, honouring the
// wildcard process part. Must run on the loop.
func (s *Server) expand(namespec string) ([]*model.ProcessStatus, error) {
	spec, err := types.ParseNamespec(namespec)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeBadName, err.Error()).WithComponent("core")
	}
	if !spec.Wildcard() {
		process, err := s.ctx.Process(spec)
		if err != nil {
			return nil, err
		}
		return []*model.ProcessStatus{process}, nil
	}
	application, err := s.ctx.Application(spec.ApplicationName)
	if err != nil {
		return nil, err
	}
	var processes []*model.ProcessStatus
	for _, process := range s.ctx.Processes() {
		if process.ApplicationName == application.Name {
			processes = append(processes, process)
		}
	}
	return processes, nil
}

func (s *Server) expandSpecs(namespec string) ([]types.Namespec, error) {
	processes, err := s.expand(namespec)
	if err != nil {
		return nil, err
	}
	specs := make([]types.Namespec, 0, len(processes))
	for _, process := range processes {
		specs = append(specs, process.Namespec())
	}
	return specs, nil
}
