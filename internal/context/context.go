// Package context owns the canonical cluster state: every address,
// application and process status lives here, and every mutation flows
// through the methods of Context on the core loop.
package context

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/clock"
	"github.com/supvisors/supvisors/internal/config"
	"github.com/supvisors/supvisors/internal/event"
	"github.com/supvisors/supvisors/internal/mapper"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/errors"
	"github.com/supvisors/supvisors/pkg/types"
)

// Config bundles the collaborators of the Context.
type Config struct {
	Logger         zerolog.Logger
	Clock          clock.Clock
	Mapper         *mapper.Mapper
	Rules          *config.Rules
	Publisher      event.Publisher
	SynchroTimeout time.Duration
	LocalAddress   string
}

// Context holds the cluster-wide state. It is single-writer: all methods are
// called from the core loop only.
type Context struct {
	logger         zerolog.Logger
	clock          clock.Clock
	mapper         *mapper.Mapper
	rules          *config.Rules
	publisher      event.Publisher
	synchroTimeout time.Duration
	localAddress   string

	started      time.Time
	master       string
	addresses    map[string]*model.AddressStatus
	applications map[string]*model.ApplicationStatus
}

// New creates the Context with one UNKNOWN address per declared node.
func New(cfg Config) *Context {
	ctx := &Context{
		logger:         cfg.Logger.With().Str("component", "context").Logger(),
		clock:          cfg.Clock,
		mapper:         cfg.Mapper,
		rules:          cfg.Rules,
		publisher:      cfg.Publisher,
		synchroTimeout: cfg.SynchroTimeout,
		localAddress:   cfg.LocalAddress,
		started:        cfg.Clock.Now(),
		addresses:      make(map[string]*model.AddressStatus),
		applications:   make(map[string]*model.ApplicationStatus),
	}
	for _, address := range cfg.Mapper.Declared() {
		ctx.addresses[address] = model.NewAddressStatus(address)
	}
	return ctx
}

// Accessors

// AddressNames returns every declared node, sorted.
func (c *Context) AddressNames() []string {
	names := make([]string, 0, len(c.addresses))
	for name := range c.addresses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Address returns the status of a node, rejecting unknown literals.
func (c *Context) Address(literal string) (*model.AddressStatus, error) {
	canonical, err := c.mapper.Resolve(literal)
	if err != nil {
		return nil, err
	}
	return c.addresses[canonical], nil
}

// RunningAddresses returns the nodes in RUNNING state, sorted.
func (c *Context) RunningAddresses() []string {
	var running []string
	for name, status := range c.addresses {
		if status.State == types.AddressRunning {
			running = append(running, name)
		}
	}
	sort.Strings(running)
	return running
}

// ApplicationNames returns every known application, sorted.
func (c *Context) ApplicationNames() []string {
	names := make([]string, 0, len(c.applications))
	for name := range c.applications {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Application returns an application status, rejecting unknown names.
func (c *Context) Application(name string) (*model.ApplicationStatus, error) {
	application, ok := c.applications[name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeBadName, "unknown application %q", name).
			WithComponent("context")
	}
	return application, nil
}

// Process returns a process status, rejecting unknown namespecs.
func (c *Context) Process(namespec types.Namespec) (*model.ProcessStatus, error) {
	application, err := c.Application(namespec.ApplicationName)
	if err != nil {
		return nil, err
	}
	process, ok := application.Processes[namespec.ProcessName]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeBadName, "unknown process %q", namespec).
			WithComponent("context")
	}
	return process, nil
}

// Processes returns every known process, sorted by namespec.
func (c *Context) Processes() []*model.ProcessStatus {
	var processes []*model.ProcessStatus
	for _, appName := range c.ApplicationNames() {
		application := c.applications[appName]
		names := make([]string, 0, len(application.Processes))
		for name := range application.Processes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			processes = append(processes, application.Processes[name])
		}
	}
	return processes
}

// Conflicts returns the processes running on more than one node.
func (c *Context) Conflicts() []*model.ProcessStatus {
	var conflicts []*model.ProcessStatus
	for _, process := range c.Processes() {
		if process.Conflicting() {
			conflicts = append(conflicts, process)
		}
	}
	return conflicts
}

// Master returns the current master address, empty when none is elected.
func (c *Context) Master() string { return c.master }

// LocalAddress returns the canonical identity of this node.
func (c *Context) LocalAddress() string { return c.localAddress }

// Loading returns the load estimate of a node.
func (c *Context) Loading(address string) int {
	if status, ok := c.addresses[address]; ok {
		return status.Loading
	}
	return 0
}

// ElectMaster keeps the master invariant: the lowest address among RUNNING
// nodes, or empty. Reports whether the master changed.
func (c *Context) ElectMaster() (string, bool) {
	running := c.RunningAddresses()
	previous := c.master
	if len(running) == 0 {
		c.master = ""
	} else {
		c.master = running[0]
	}
	if c.master != previous {
		c.logger.Info().Str("master", c.master).Str("previous", previous).Msg("master changed")
	}
	return c.master, c.master != previous
}

// Event ingestion

// OnTick processes a heartbeat from a node. It returns the canonical address
// and whether the node just entered CHECKING, which asks the caller to run
// the authorization handshake.
func (c *Context) OnTick(literal string, remoteTime time.Time) (string, bool, error) {
	canonical, err := c.mapper.Resolve(literal)
	if err != nil {
		return "", false, err
	}
	status := c.addresses[canonical]
	if status.InIsolation() {
		return canonical, false, nil
	}

	status.RemoteTime = remoteTime
	status.LocalTime = c.clock.Now()

	checking := false
	switch status.State {
	case types.AddressUnknown, types.AddressSilent:
		c.setAddressState(status, types.AddressChecking)
		checking = true
	default:
		c.publisher.Publish(types.TopicAddress, status.Serial())
	}
	return canonical, checking, nil
}

// OnAuthorization completes the CHECKING handshake. A refusal forces the
// node into isolation.
func (c *Context) OnAuthorization(literal string, authorized bool) error {
	canonical, err := c.mapper.Resolve(literal)
	if err != nil {
		return err
	}
	status := c.addresses[canonical]
	if status.InIsolation() {
		return nil
	}
	if !authorized {
		c.logger.Warn().Str("address", canonical).Msg("authorization refused, isolating node")
		c.setAddressState(status, types.AddressIsolating)
		return nil
	}
	if status.State == types.AddressChecking {
		c.setAddressState(status, types.AddressRunning)
	}
	return nil
}

// OnProcessEvent folds a process state change into the cluster view and
// returns the updated status.
func (c *Context) OnProcessEvent(ev model.ProcessEvent) (*model.ProcessStatus, error) {
	canonical, err := c.mapper.Resolve(ev.Address)
	if err != nil {
		return nil, err
	}
	status := c.addresses[canonical]
	if status.InIsolation() || status.State == types.AddressSilent {
		c.logger.Debug().Str("address", canonical).Str("process", ev.Namespec().String()).
			Msg("event from inactive node discarded")
		return nil, nil
	}

	ev.Address = canonical
	if ev.Now.IsZero() {
		ev.Now = c.clock.Now()
	}
	process := c.getOrCreateProcess(ev.ApplicationName, ev.ProcessName)
	process.ApplyEvent(ev)
	c.refresh(process)
	return process, nil
}

// LoadProcessInfo seeds the cluster view from a node's full process dump,
// gathered during the CHECKING handshake.
func (c *Context) LoadProcessInfo(literal string, infos []model.ProcessEvent) error {
	canonical, err := c.mapper.Resolve(literal)
	if err != nil {
		return err
	}
	for _, info := range infos {
		info.Address = canonical
		if info.Now.IsZero() {
			info.Now = c.clock.Now()
		}
		process := c.getOrCreateProcess(info.ApplicationName, info.ProcessName)
		process.ApplyEvent(info)
		c.refresh(process)
	}
	return nil
}

// OnTimerEvent sweeps the heartbeat deadlines. Every active node whose last
// tick is older than the synchro timeout turns SILENT and loses its
// processes. The processes that stopped as a consequence are returned so the
// caller can apply running failure strategies.
func (c *Context) OnTimerEvent() []*model.ProcessStatus {
	now := c.clock.Now()
	var stopped []*model.ProcessStatus
	for _, name := range c.AddressNames() {
		status := c.addresses[name]
		if status.State == types.AddressUnknown && now.Sub(c.started) > c.synchroTimeout {
			// Declared but never heard from: give up waiting for it.
			c.setAddressState(status, types.AddressSilent)
			continue
		}
		if !status.Active() || !status.Stale(now, c.synchroTimeout) {
			continue
		}
		c.logger.Warn().Str("address", name).Time("last_tick", status.LocalTime).
			Msg("heartbeat lost, node is silent")
		c.setAddressState(status, types.AddressSilent)
		stopped = append(stopped, c.invalidateAddress(name)...)
	}
	return stopped
}

// HandleIsolation finishes the isolation of every ISOLATING node and returns
// the nodes that became ISOLATED.
func (c *Context) HandleIsolation() []string {
	var isolated []string
	for _, name := range c.AddressNames() {
		status := c.addresses[name]
		if status.State != types.AddressIsolating {
			continue
		}
		c.setAddressState(status, types.AddressIsolated)
		c.invalidateAddress(name)
		isolated = append(isolated, name)
	}
	return isolated
}

// SetExtraArgs stores new extra arguments on a process, to be used at its
// next start. The process state is not touched.
func (c *Context) SetExtraArgs(namespec types.Namespec, extraArgs string) error {
	process, err := c.Process(namespec)
	if err != nil {
		return err
	}
	process.ExtraArgs = extraArgs
	return nil
}

// Rules returns the deployment rules of a process.
func (c *Context) Rules(namespec types.Namespec) (model.ProcessRules, error) {
	process, err := c.Process(namespec)
	if err != nil {
		return model.ProcessRules{}, err
	}
	return process.Rules, nil
}

// internals

func (c *Context) getOrCreateProcess(applicationName, processName string) *model.ProcessStatus {
	application, ok := c.applications[applicationName]
	if !ok {
		application = model.NewApplicationStatus(applicationName, c.rules.ApplicationRules(applicationName))
		c.applications[applicationName] = application
	}
	process, ok := application.Processes[processName]
	if !ok {
		process = model.NewProcessStatus(applicationName, processName,
			c.rules.ProcessRules(applicationName, processName))
		application.Processes[processName] = process
	}
	return process
}

// refresh re-derives the owning application, recomputes loadings and
// publishes the process and application deltas.
func (c *Context) refresh(process *model.ProcessStatus) {
	application := c.applications[process.ApplicationName]
	application.Update()
	c.recomputeLoading()
	c.publisher.Publish(types.TopicProcess, process.Serial())
	c.publisher.Publish(types.TopicApplication, application.Serial())
}

// invalidateAddress drops a lost node from every process that ran on it.
func (c *Context) invalidateAddress(address string) []*model.ProcessStatus {
	var stopped []*model.ProcessStatus
	for _, process := range c.Processes() {
		if !process.RunningOn(address) {
			continue
		}
		process.InvalidateAddress(address)
		c.refresh(process)
		if process.Stopped() {
			stopped = append(stopped, process)
		}
	}
	return stopped
}

func (c *Context) recomputeLoading() {
	for _, status := range c.addresses {
		status.Loading = 0
	}
	for _, process := range c.Processes() {
		for address := range process.Addresses {
			if status, ok := c.addresses[address]; ok {
				status.Loading += process.Rules.ExpectedLoading
			}
		}
	}
}

func (c *Context) setAddressState(status *model.AddressStatus, state types.AddressState) {
	if status.State == state {
		return
	}
	c.logger.Info().Str("address", status.Name).
		Str("from", status.State.String()).Str("to", state.String()).
		Msg("address state changed")
	status.State = state
	c.publisher.Publish(types.TopicAddress, status.Serial())
}

