// Package core runs the single-threaded cooperative loop that owns the
// Context, the cluster FSM and the Commander. Every mutation of cluster
// state happens on this loop; external work communicates through a bounded
// ingress queue and asynchronous dispatch goroutines.
package core

import (
	stdctx "context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/clock"
	"github.com/supvisors/supvisors/internal/commander"
	supvctx "github.com/supvisors/supvisors/internal/context"
	"github.com/supvisors/supvisors/internal/fsm"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/internal/strategy"
	"github.com/supvisors/supvisors/internal/supervisor"
	"github.com/supvisors/supvisors/pkg/errors"
	"github.com/supvisors/supvisors/pkg/types"
)

// APIVersion is the version reported by get_api_version.
const APIVersion = "1.0"

const ingressDepth = 256

type tickMsg struct {
	address    string
	remoteTime time.Time
}

type processMsg struct {
	event model.ProcessEvent
}

type authMsg struct {
	address    string
	authorized bool
	infos      []model.ProcessEvent
	err        error
}

type requestMsg struct {
	fn func()
}

// Config bundles the collaborators of the core server.
type Config struct {
	Logger               zerolog.Logger
	Clock                clock.Clock
	Context              *supvctx.Context
	FSM                  *fsm.FSM
	Commander            *commander.Commander
	Client               supervisor.Client
	ConciliationStrategy types.ConciliationStrategy
	TickPeriod           time.Duration
	RequestTimeout       time.Duration
}

// Server is the core loop.
type Server struct {
	logger               zerolog.Logger
	clock                clock.Clock
	ctx                  *supvctx.Context
	fsm                  *fsm.FSM
	commander            *commander.Commander
	client               supervisor.Client
	conciliationStrategy types.ConciliationStrategy
	tickPeriod           time.Duration
	requestTimeout       time.Duration

	ingress chan interface{}
	closed  chan struct{}

	// deployment chaining, master only
	deployTriggered bool
	deployLaunching bool
	deployGroups    [][]string
	deployPending   int
}

// New creates the core server.
func New(cfg Config) *Server {
	tickPeriod := cfg.TickPeriod
	if tickPeriod == 0 {
		tickPeriod = 5 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}
	return &Server{
		logger:               cfg.Logger.With().Str("component", "core").Logger(),
		clock:                cfg.Clock,
		ctx:                  cfg.Context,
		fsm:                  cfg.FSM,
		commander:            cfg.Commander,
		client:               cfg.Client,
		conciliationStrategy: cfg.ConciliationStrategy,
		tickPeriod:           tickPeriod,
		requestTimeout:       requestTimeout,
		ingress:              make(chan interface{}, ingressDepth),
		closed:               make(chan struct{}),
	}
}

// SetCommander attaches the Commander. The Commander dispatches through the
// server, so the two are wired after construction and before Run.
func (s *Server) SetCommander(c *commander.Commander) {
	s.commander = c
}

// Run drives the loop until shutdown, restart, or context cancellation.
func (s *Server) Run(ctx stdctx.Context) error {
	defer close(s.closed)
	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()

	s.evaluate()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.ingress:
			s.handleBatch(msg)
		case <-ticker.C:
			// Pending events are drained before the timer fires.
			s.drain(nil)
			s.onTimer()
		}
		s.evaluate()
		switch s.fsm.State() {
		case types.ClusterRestarting, types.ClusterShuttingDown:
			return nil
		}
	}
}

// ExitState reports why the loop stopped.
func (s *Server) ExitState() types.ClusterState {
	return s.fsm.State()
}

// Ingestion API, callable from any goroutine. Events are fire-and-forget:
// when the queue is full they are dropped, never blocking the transport.

// SubmitTick queues a heartbeat from a node.
func (s *Server) SubmitTick(address string, remoteTime time.Time) {
	s.enqueue(tickMsg{address: address, remoteTime: remoteTime})
}

// SubmitProcessEvent queues a process state change from a node.
func (s *Server) SubmitProcessEvent(event model.ProcessEvent) {
	s.enqueue(processMsg{event: event})
}

func (s *Server) enqueue(msg interface{}) {
	select {
	case s.ingress <- msg:
	case <-s.closed:
	default:
		s.logger.Warn().Msg("ingress queue full, event dropped")
	}
}

// loop internals

// handleBatch processes the received message and drains the rest of the
// queue, ticks first so a node's heartbeat precedes its process events.
func (s *Server) handleBatch(first interface{}) {
	s.drain([]interface{}{first})
}

func (s *Server) drain(batch []interface{}) {
	for {
		select {
		case msg := <-s.ingress:
			batch = append(batch, msg)
			continue
		default:
		}
		break
	}
	for _, msg := range batch {
		if tick, ok := msg.(tickMsg); ok {
			s.handleTick(tick)
		}
	}
	for _, msg := range batch {
		switch m := msg.(type) {
		case tickMsg:
		case processMsg:
			s.handleProcessEvent(m.event)
		case authMsg:
			s.handleAuthorization(m)
		case requestMsg:
			m.fn()
		}
	}
}

func (s *Server) handleTick(msg tickMsg) {
	address, checking, err := s.ctx.OnTick(msg.address, msg.remoteTime)
	if err != nil {
		s.logger.Warn().Err(err).Str("address", msg.address).Msg("tick rejected")
		return
	}
	if checking {
		s.startHandshake(address)
	}
}

// startHandshake runs the CHECKING authorization and the initial process
// dump off the loop, feeding the result back as a message.
func (s *Server) startHandshake(address string) {
	local := s.ctx.LocalAddress()
	go func() {
		ctx, cancel := stdctx.WithTimeout(stdctx.Background(), s.requestTimeout)
		defer cancel()
		authorized, err := s.client.CheckAuthorization(ctx, address, local)
		if err != nil {
			s.enqueue(authMsg{address: address, err: err})
			return
		}
		var infos []model.ProcessEvent
		if authorized {
			infos, err = s.client.GetAllProcessInfo(ctx, address)
			if err != nil {
				s.enqueue(authMsg{address: address, err: err})
				return
			}
		}
		s.enqueue(authMsg{address: address, authorized: authorized, infos: infos})
	}()
}

func (s *Server) handleAuthorization(msg authMsg) {
	if msg.err != nil {
		// The node stays CHECKING; the staleness sweep reclaims it and a
		// later tick retries the handshake.
		s.logger.Warn().Err(msg.err).Str("address", msg.address).Msg("handshake failed")
		return
	}
	if err := s.ctx.OnAuthorization(msg.address, msg.authorized); err != nil {
		s.logger.Warn().Err(err).Str("address", msg.address).Msg("authorization rejected")
		return
	}
	if msg.authorized {
		if err := s.ctx.LoadProcessInfo(msg.address, msg.infos); err != nil {
			s.logger.Warn().Err(err).Str("address", msg.address).Msg("process dump rejected")
		}
	}
}

func (s *Server) handleProcessEvent(event model.ProcessEvent) {
	// A crash under an active command is a starting failure and belongs to
	// the plan, not to the running failure strategy.
	commanded := s.commander.ApplicationInProgress(event.ApplicationName)

	process, err := s.ctx.OnProcessEvent(event)
	if err != nil {
		s.logger.Warn().Err(err).Str("address", event.Address).Msg("process event rejected")
		return
	}
	if process == nil {
		return
	}
	s.commander.OnProcessEvent(process)
	if !commanded {
		s.applyRunningFailure(process)
	}
}

func (s *Server) onTimer() {
	stopped := s.ctx.OnTimerEvent()
	s.commander.OnTimerEvent()
	for _, process := range stopped {
		s.applyRunningFailure(process)
	}
	// Conflicts that survived a failed stop get another round.
	if s.fsm.State() == types.ClusterConciliation {
		s.runConciliation()
	}
}

// applyRunningFailure reacts to a process lost while the cluster operates.
// Decisions are the master's; a process under an active command is already
// handled by its plan.
func (s *Server) applyRunningFailure(process *model.ProcessStatus) {
	if !s.isMaster() || s.fsm.State() != types.ClusterOperation {
		return
	}
	if !process.Stopped() || !(process.Crashed() || process.State == types.ProcessUnknown) {
		return
	}
	if s.commander.ApplicationInProgress(process.ApplicationName) {
		return
	}
	namespec := process.Namespec()
	switch process.Rules.RunningFailureStrategy {
	case types.RunningFailureRestartProcess:
		s.logger.Info().Str("namespec", namespec.String()).Msg("restarting crashed process")
		s.submitStartProcess(namespec, process)
	case types.RunningFailureStopApplication:
		s.logger.Info().Str("application", process.ApplicationName).Msg("stopping application after crash")
		s.ignoreSubmit(s.commander.StopApplication(process.ApplicationName, nil))
	case types.RunningFailureRestartApplication:
		s.logger.Info().Str("application", process.ApplicationName).Msg("restarting application after crash")
		application := process.ApplicationName
		strategyChoice := s.applicationStrategy(application)
		s.ignoreSubmit(s.commander.StopApplication(application, func(error) {
			s.ignoreSubmit(s.commander.StartApplication(strategyChoice, application, nil))
		}))
	}
}

func (s *Server) submitStartProcess(namespec types.Namespec, process *model.ProcessStatus) {
	strategyChoice := s.applicationStrategy(process.ApplicationName)
	s.ignoreSubmit(s.commander.StartProcess(strategyChoice, namespec, "", nil))
}

func (s *Server) applicationStrategy(name string) types.StartingStrategy {
	if application, err := s.ctx.Application(name); err == nil {
		return application.Rules.StartingStrategy
	}
	return types.StrategyConfig
}

func (s *Server) ignoreSubmit(err error) {
	if err != nil {
		s.logger.Debug().Err(err).Msg("submission skipped")
	}
}

func (s *Server) isMaster() bool {
	return s.ctx.Master() != "" && s.ctx.Master() == s.ctx.LocalAddress()
}

// evaluate settles isolation, the master invariant and FSM transitions.
func (s *Server) evaluate() {
	s.ctx.HandleIsolation()
	s.ctx.ElectMaster()

	for i := 0; i < 4; i++ {
		in := fsm.Inputs{
			MasterElected:   s.ctx.Master() != "",
			AllNodesSettled: s.nodesSettled(),
			DeployDone:      s.deployDone(),
			Conflicts:       len(s.ctx.Conflicts()) > 0,
		}
		state, changed := s.fsm.Evaluate(in)
		if !changed {
			return
		}
		s.onEnter(state)
	}
}

func (s *Server) onEnter(state types.ClusterState) {
	switch state {
	case types.ClusterInitialization:
		s.deployTriggered = false
		s.deployLaunching = false
		s.deployGroups = nil
		s.deployPending = 0
	case types.ClusterDeployment:
		s.triggerDeployment()
	case types.ClusterConciliation:
		s.runConciliation()
	case types.ClusterRestarting, types.ClusterShuttingDown:
		s.commander.Cancel(errors.NewError(errors.ErrCodeAbnormalTermination,
			"cluster is leaving the operational states"))
	}
}

// Deployment: applications start in ascending application start sequence;
// a group must settle before the next one launches. Non-masters observe.
func (s *Server) triggerDeployment() {
	s.deployTriggered = true
	if !s.isMaster() {
		return
	}
	groups := make(map[int][]string)
	for _, name := range s.ctx.ApplicationNames() {
		application, err := s.ctx.Application(name)
		if err != nil || application.Rules.StartSequence <= 0 {
			continue
		}
		groups[application.Rules.StartSequence] = append(groups[application.Rules.StartSequence], name)
	}
	keys := make([]int, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	s.deployGroups = nil
	for _, key := range keys {
		s.deployGroups = append(s.deployGroups, groups[key])
	}
	s.startNextDeployGroup()
}

func (s *Server) startNextDeployGroup() {
	if s.deployLaunching || s.deployPending > 0 || len(s.deployGroups) == 0 {
		return
	}
	group := s.deployGroups[0]
	s.deployGroups = s.deployGroups[1:]

	// Commands may complete synchronously; the launching guard keeps their
	// done callbacks from advancing to the next group mid-submission.
	s.deployLaunching = true
	for _, name := range group {
		strategyChoice := s.applicationStrategy(name)
		s.deployPending++
		err := s.commander.StartApplication(strategyChoice, name, func(error) {
			s.deployPending--
			s.startNextDeployGroup()
		})
		if err != nil {
			s.deployPending--
			s.ignoreSubmit(err)
		}
	}
	s.deployLaunching = false

	if s.deployPending == 0 {
		s.startNextDeployGroup()
	}
}

func (s *Server) deployDone() bool {
	if !s.deployTriggered {
		return false
	}
	if !s.isMaster() {
		return !s.commander.InProgress()
	}
	return len(s.deployGroups) == 0 && s.deployPending == 0 && !s.commander.InProgress()
}

func (s *Server) nodesSettled() bool {
	for _, name := range s.ctx.AddressNames() {
		status, err := s.ctx.Address(name)
		if err != nil {
			return false
		}
		switch status.State {
		case types.AddressRunning, types.AddressSilent, types.AddressIsolated:
		default:
			return false
		}
	}
	return true
}

// Conciliation: the master resolves each conflicting process under the
// configured policy. USER leaves conflicts to the operator.
func (s *Server) runConciliation() {
	if !s.isMaster() {
		return
	}
	actions := strategy.Conciliate(s.conciliationStrategy, s.ctx.Conflicts())
	for _, action := range actions {
		namespec := action.Process.Namespec()
		process := action.Process
		restart := action.Restart
		useRunningFailure := action.UseRunningFailure
		err := s.commander.StopInstances(namespec, action.StopAddresses, func(error) {
			if restart {
				s.submitStartProcess(namespec, process)
				return
			}
			if useRunningFailure && process.Rules.RunningFailureStrategy == types.RunningFailureRestartProcess {
				s.submitStartProcess(namespec, process)
			}
		})
		s.ignoreSubmit(err)
	}
}

// Dispatcher implementation: outbound supervisor RPCs run off the loop and
// surface failures as synthetic FATAL events.

// DispatchStart implements commander.Dispatcher.
func (s *Server) DispatchStart(address string, namespec types.Namespec, extraArgs string) {
	go func() {
		ctx, cancel := stdctx.WithTimeout(stdctx.Background(), s.requestTimeout)
		defer cancel()
		if err := s.client.StartProcess(ctx, address, namespec.String(), extraArgs); err != nil {
			s.logger.Warn().Err(err).Str("address", address).Str("namespec", namespec.String()).
				Msg("start request failed")
			s.SubmitProcessEvent(model.ProcessEvent{
				Address:         address,
				ApplicationName: namespec.ApplicationName,
				ProcessName:     namespec.ProcessName,
				State:           types.ProcessFatal,
				SpawnError:      err.Error(),
			})
		}
	}()
}

// DispatchStop implements commander.Dispatcher.
func (s *Server) DispatchStop(address string, namespec types.Namespec) {
	go func() {
		ctx, cancel := stdctx.WithTimeout(stdctx.Background(), s.requestTimeout)
		defer cancel()
		if err := s.client.StopProcess(ctx, address, namespec.String()); err != nil {
			// The job times out; the staleness sweep deals with a dead node.
			s.logger.Warn().Err(err).Str("address", address).Str("namespec", namespec.String()).
				Msg("stop request failed")
		}
	}()
}
