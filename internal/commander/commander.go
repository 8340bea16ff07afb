// Package commander executes sequenced multi-node deployment plans. The
// Starter and the Stopper share one generic sequence engine parameterised by
// direction; both run entirely on the core loop and never block on I/O.
package commander

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/clock"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/internal/strategy"
	"github.com/supvisors/supvisors/pkg/errors"
	"github.com/supvisors/supvisors/pkg/types"
)

// Dispatcher carries start/stop requests to the local supervisors. Calls
// must not block; request failures come back as synthetic FATAL process
// events through the regular event path.
type Dispatcher interface {
	DispatchStart(address string, namespec types.Namespec, extraArgs string)
	DispatchStop(address string, namespec types.Namespec)
}

// StateView is the read-only window onto the Context.
type StateView interface {
	Process(namespec types.Namespec) (*model.ProcessStatus, error)
	Application(name string) (*model.ApplicationStatus, error)
}

// DoneFunc observes the terminal outcome of a command. A nil error means
// every required job succeeded.
type DoneFunc func(err error)

type direction int

const (
	directionStart direction = iota
	directionStop
)

// Job states.
type jobState int

const (
	jobPending jobState = iota
	jobInflight
	jobDone
)

type job struct {
	namespec  types.Namespec
	direction direction
	state     jobState
	required  bool
	waitExit  bool
	extraArgs string

	// address is the start placement; pinned bypasses the selector;
	// stopAddresses the pending stop targets.
	address       string
	pinned        string
	loading       int
	stopAddresses map[string]bool

	deadline time.Time
	failed   bool
}

type bucket struct {
	key  int
	jobs []*job
}

type command struct {
	application     string
	direction       direction
	strategy        types.StartingStrategy
	failureStrategy types.StartingFailureStrategy
	buckets         []bucket
	current         int
	failed          bool
	done            DoneFunc
}

// Commander owns the Starter and Stopper planners.
type Commander struct {
	logger     zerolog.Logger
	clock      clock.Clock
	view       StateView
	declared   []string
	nodes      strategy.NodeView
	dispatcher Dispatcher
	minTimeout time.Duration

	// One live command per application; by-name references only.
	commands map[string]*command

	// inflight accounts the loading of placed-but-not-yet-running jobs so
	// parallel placements within a bucket spread over the nodes.
	inflight map[string]int
}

// Config bundles the collaborators of the Commander.
type Config struct {
	Logger     zerolog.Logger
	Clock      clock.Clock
	View       StateView
	Declared   []string
	Nodes      strategy.NodeView
	Dispatcher Dispatcher
	MinTimeout time.Duration
}

// New creates an idle Commander.
func New(cfg Config) *Commander {
	minTimeout := cfg.MinTimeout
	if minTimeout == 0 {
		minTimeout = 10 * time.Second
	}
	return &Commander{
		logger:     cfg.Logger.With().Str("component", "commander").Logger(),
		clock:      cfg.Clock,
		view:       cfg.View,
		declared:   cfg.Declared,
		nodes:      cfg.Nodes,
		dispatcher: cfg.Dispatcher,
		minTimeout: minTimeout,
		commands:   make(map[string]*command),
		inflight:   make(map[string]int),
	}
}

// placementView overlays the in-flight loading on the Context's view.
type placementView struct {
	base  strategy.NodeView
	extra map[string]int
}

func (v placementView) RunningAddresses() []string { return v.base.RunningAddresses() }

func (v placementView) Loading(address string) int {
	return v.base.Loading(address) + v.extra[address]
}

// InProgress reports whether any command still has non-terminal jobs.
func (c *Commander) InProgress() bool {
	return len(c.commands) > 0
}

// ApplicationInProgress reports whether a command runs for the application.
func (c *Commander) ApplicationInProgress(name string) bool {
	_, ok := c.commands[name]
	return ok
}

// StartApplication submits a full deployment plan for the application,
// bucketed by start sequence. done fires when the plan terminates.
func (c *Commander) StartApplication(strategyChoice types.StartingStrategy, name string, done DoneFunc) error {
	application, err := c.view.Application(name)
	if err != nil {
		return err
	}
	if c.ApplicationInProgress(name) {
		return errors.Newf(errors.ErrCodeAlreadyInProgress, "command already running for application %q", name).
			WithComponent("commander")
	}
	if application.State == types.ApplicationRunning {
		return errors.Newf(errors.ErrCodeAlreadyStarted, "application %q is already running", name).
			WithComponent("commander")
	}

	cmd := &command{
		application:     name,
		direction:       directionStart,
		strategy:        strategyChoice,
		failureStrategy: application.Rules.StartingFailureStrategy,
		done:            done,
	}
	for _, key := range application.StartSequence().Keys() {
		b := bucket{key: key}
		for _, process := range application.StartSequence()[key] {
			b.jobs = append(b.jobs, &job{
				namespec:  process.Namespec(),
				direction: directionStart,
				required:  process.Rules.Required,
				waitExit:  process.Rules.WaitExit,
			})
		}
		cmd.buckets = append(cmd.buckets, b)
	}
	c.submit(cmd)
	return nil
}

// StopApplication submits a stop plan for the application, bucketed by stop
// sequence. Stopping a stopped application completes immediately.
func (c *Commander) StopApplication(name string, done DoneFunc) error {
	application, err := c.view.Application(name)
	if err != nil {
		return err
	}
	if c.ApplicationInProgress(name) {
		return errors.Newf(errors.ErrCodeAlreadyInProgress, "command already running for application %q", name).
			WithComponent("commander")
	}

	cmd := &command{
		application: name,
		direction:   directionStop,
		done:        done,
	}
	for _, key := range application.StopSequence().Keys() {
		b := bucket{key: key}
		for _, process := range application.StopSequence()[key] {
			b.jobs = append(b.jobs, &job{
				namespec:  process.Namespec(),
				direction: directionStop,
				required:  process.Rules.Required,
			})
		}
		cmd.buckets = append(cmd.buckets, b)
	}
	c.submit(cmd)
	return nil
}

// StartProcess submits a single-process start. ALREADY_STARTED when the
// process already runs somewhere.
func (c *Commander) StartProcess(strategyChoice types.StartingStrategy, namespec types.Namespec, extraArgs string, done DoneFunc) error {
	return c.StartProcesses(strategyChoice, []types.Namespec{namespec}, extraArgs, "", done)
}

// StartProcesses submits one start command covering several processes of the
// same application in a single parallel bucket. A non-empty pinned address
// bypasses the placement strategy. ALREADY_STARTED when every targeted
// process already runs; already-running members are otherwise skipped.
func (c *Commander) StartProcesses(strategyChoice types.StartingStrategy, specs []types.Namespec, extraArgs, pinned string, done DoneFunc) error {
	if len(specs) == 0 {
		return errors.NewError(errors.ErrCodeBadName, "no process to start").WithComponent("commander")
	}
	application := specs[0].ApplicationName
	if c.ApplicationInProgress(application) {
		return errors.Newf(errors.ErrCodeAlreadyInProgress, "command already running for application %q", application).
			WithComponent("commander")
	}
	allRunning := true
	b := bucket{}
	for _, namespec := range specs {
		process, err := c.view.Process(namespec)
		if err != nil {
			return err
		}
		if process.Running() {
			continue
		}
		allRunning = false
		b.jobs = append(b.jobs, &job{
			namespec:  namespec,
			direction: directionStart,
			required:  true,
			waitExit:  process.Rules.WaitExit,
			extraArgs: extraArgs,
			pinned:    pinned,
		})
	}
	if allRunning {
		return errors.Newf(errors.ErrCodeAlreadyStarted, "process %q is already running", specs[0]).
			WithComponent("commander")
	}

	cmd := &command{
		application:     application,
		direction:       directionStart,
		strategy:        strategyChoice,
		failureStrategy: types.StartingFailureAbort,
		done:            done,
		buckets:         []bucket{b},
	}
	c.submit(cmd)
	return nil
}

// StopProcess submits a stop for every running location of the process.
// Stopping a stopped process completes immediately.
func (c *Commander) StopProcess(namespec types.Namespec, done DoneFunc) error {
	return c.StopInstances(namespec, nil, done)
}

// StopProcesses submits one stop command covering several processes of the
// same application in a single parallel bucket.
func (c *Commander) StopProcesses(specs []types.Namespec, done DoneFunc) error {
	if len(specs) == 0 {
		return errors.NewError(errors.ErrCodeBadName, "no process to stop").WithComponent("commander")
	}
	application := specs[0].ApplicationName
	if c.ApplicationInProgress(application) {
		return errors.Newf(errors.ErrCodeAlreadyInProgress, "command already running for application %q", application).
			WithComponent("commander")
	}
	b := bucket{}
	for _, namespec := range specs {
		process, err := c.view.Process(namespec)
		if err != nil {
			return err
		}
		b.jobs = append(b.jobs, &job{
			namespec:  namespec,
			direction: directionStop,
			required:  process.Rules.Required,
		})
	}
	cmd := &command{
		application: application,
		direction:   directionStop,
		done:        done,
		buckets:     []bucket{b},
	}
	c.submit(cmd)
	return nil
}

// StopInstances stops the process on the given nodes only; a nil node list
// targets every current location. Used directly by the conciliator.
func (c *Commander) StopInstances(namespec types.Namespec, addresses []string, done DoneFunc) error {
	process, err := c.view.Process(namespec)
	if err != nil {
		return err
	}
	if c.ApplicationInProgress(namespec.ApplicationName) {
		return errors.Newf(errors.ErrCodeAlreadyInProgress, "command already running for application %q", namespec.ApplicationName).
			WithComponent("commander")
	}

	j := &job{
		namespec:  namespec,
		direction: directionStop,
		required:  process.Rules.Required,
	}
	if addresses != nil {
		j.stopAddresses = make(map[string]bool, len(addresses))
		for _, address := range addresses {
			j.stopAddresses[address] = true
		}
	}
	cmd := &command{
		application: namespec.ApplicationName,
		direction:   directionStop,
		done:        done,
		buckets:     []bucket{{jobs: []*job{j}}},
	}
	c.submit(cmd)
	return nil
}

// OnProcessEvent advances any in-flight job watching the process.
func (c *Commander) OnProcessEvent(process *model.ProcessStatus) {
	for _, cmd := range c.commandList() {
		b := cmd.currentBucket()
		if b == nil {
			continue
		}
		for _, j := range b.jobs {
			if j.state != jobInflight || j.namespec != process.Namespec() {
				continue
			}
			c.advanceJob(cmd, j, process)
		}
		c.settle(cmd)
	}
}

// OnTimerEvent fails every in-flight job past its deadline.
func (c *Commander) OnTimerEvent() {
	now := c.clock.Now()
	for _, cmd := range c.commandList() {
		b := cmd.currentBucket()
		if b == nil {
			continue
		}
		for _, j := range b.jobs {
			if j.state == jobInflight && now.After(j.deadline) {
				c.logger.Warn().Str("namespec", j.namespec.String()).Msg("job timed out")
				c.finishJob(j, false)
			}
		}
		c.settle(cmd)
	}
}

// Cancel terminalizes every command; deferred observers see the given error.
func (c *Commander) Cancel(err error) {
	c.inflight = make(map[string]int)
	for name, cmd := range c.commands {
		delete(c.commands, name)
		if cmd.done != nil {
			cmd.done(err)
		}
	}
}

// internals

func (c *Commander) submit(cmd *command) {
	c.commands[cmd.application] = cmd
	cmd.current = -1
	c.settle(cmd)
}

// commandList snapshots the live commands; settle mutates the map.
func (c *Commander) commandList() []*command {
	list := make([]*command, 0, len(c.commands))
	for _, cmd := range c.commands {
		list = append(list, cmd)
	}
	return list
}

func (cmd *command) currentBucket() *bucket {
	if cmd.current < 0 || cmd.current >= len(cmd.buckets) {
		return nil
	}
	return &cmd.buckets[cmd.current]
}

func (cmd *command) bucketDone() bool {
	b := cmd.currentBucket()
	if b == nil {
		return true
	}
	for _, j := range b.jobs {
		if j.state != jobDone {
			return false
		}
	}
	return true
}

// bucketFailed reports a required-job failure in the current bucket;
// optional failures are tolerated.
func (cmd *command) bucketFailed() bool {
	b := cmd.currentBucket()
	if b == nil {
		return false
	}
	for _, j := range b.jobs {
		if j.state == jobDone && j.failed && j.required {
			return true
		}
	}
	return false
}

// settle drives a command forward: while the current bucket is terminal it
// applies the failure policy and launches the next bucket, finishing the
// command when the plan is spent. Safe to call after any job mutation.
func (c *Commander) settle(cmd *command) {
	for c.commands[cmd.application] == cmd {
		if cmd.current >= 0 {
			if !cmd.bucketDone() {
				return
			}
			if cmd.bucketFailed() {
				if !c.applyFailureStrategy(cmd) {
					return
				}
			}
		}
		cmd.current++
		b := cmd.currentBucket()
		if b == nil {
			c.finishCommand(cmd)
			return
		}
		for _, j := range b.jobs {
			c.launchJob(cmd, j)
		}
	}
}

func (c *Commander) launchJob(cmd *command, j *job) {
	process, err := c.view.Process(j.namespec)
	if err != nil {
		// The process vanished from the Context; nothing to act on.
		c.finishJob(j, false)
		return
	}

	if j.direction == directionStart {
		c.launchStart(cmd, j, process)
		return
	}
	c.launchStop(j, process)
}

func (c *Commander) launchStart(cmd *command, j *job, process *model.ProcessStatus) {
	if process.Running() {
		c.finishJob(j, true)
		return
	}
	address := j.pinned
	if address == "" {
		selector := strategy.NewSelector(c.declared, placementView{base: c.nodes, extra: c.inflight})
		address = selector.Select(cmd.strategy, process)
	}
	if address == "" {
		c.logger.Warn().Str("namespec", j.namespec.String()).Msg("no node can absorb the process")
		c.finishJob(j, false)
		return
	}
	extraArgs := j.extraArgs
	if extraArgs == "" {
		extraArgs = process.ExtraArgs
	}
	j.address = address
	j.loading = process.Rules.ExpectedLoading
	c.inflight[address] += j.loading
	j.state = jobInflight
	j.deadline = c.clock.Now().Add(c.jobTimeout(process.Rules.StartTime))
	c.logger.Info().Str("namespec", j.namespec.String()).Str("address", address).Msg("starting process")
	c.dispatcher.DispatchStart(address, j.namespec, extraArgs)
}

func (c *Commander) launchStop(j *job, process *model.ProcessStatus) {
	targets := process.AddressList()
	if j.stopAddresses != nil {
		filtered := targets[:0]
		for _, address := range targets {
			if j.stopAddresses[address] {
				filtered = append(filtered, address)
			}
		}
		targets = filtered
	}
	if len(targets) == 0 {
		c.finishJob(j, true)
		return
	}
	j.stopAddresses = make(map[string]bool, len(targets))
	for _, address := range targets {
		j.stopAddresses[address] = true
	}
	j.state = jobInflight
	j.deadline = c.clock.Now().Add(c.minTimeout)
	for _, address := range targets {
		c.logger.Info().Str("namespec", j.namespec.String()).Str("address", address).Msg("stopping process")
		c.dispatcher.DispatchStop(address, j.namespec)
	}
}

func (c *Commander) advanceJob(cmd *command, j *job, process *model.ProcessStatus) {
	if j.direction == directionStart {
		switch {
		case process.State == types.ProcessRunning && !j.waitExit:
			c.finishJob(j, true)
		case process.State == types.ProcessExited && process.ExpectedExit && j.waitExit:
			c.finishJob(j, true)
		case process.State == types.ProcessFatal:
			c.finishJob(j, false)
		case process.State == types.ProcessExited && !process.ExpectedExit:
			c.finishJob(j, false)
		}
		return
	}

	// Stop job: success once every targeted location is gone.
	for address := range j.stopAddresses {
		if !process.RunningOn(address) {
			delete(j.stopAddresses, address)
		}
	}
	if len(j.stopAddresses) == 0 {
		c.finishJob(j, true)
	}
}

func (c *Commander) finishJob(j *job, ok bool) {
	if j.loading > 0 && j.address != "" {
		c.inflight[j.address] -= j.loading
		if c.inflight[j.address] <= 0 {
			delete(c.inflight, j.address)
		}
		j.loading = 0
	}
	j.state = jobDone
	j.failed = !ok
}

// applyFailureStrategy handles a required-job failure at a bucket boundary.
// It reports whether the command should keep advancing through its plan.
func (c *Commander) applyFailureStrategy(cmd *command) bool {
	if cmd.direction == directionStop {
		// A stop plan has no failure strategy: a timed-out stop fails the command.
		cmd.failed = true
		c.finishCommand(cmd)
		return false
	}
	switch cmd.failureStrategy {
	case types.StartingFailureContinue:
		c.logger.Warn().Str("application", cmd.application).Msg("required start failed, continuing")
		cmd.failed = true
		return true
	case types.StartingFailureStop:
		c.logger.Warn().Str("application", cmd.application).Msg("required start failed, stopping application")
		done := cmd.done
		application := cmd.application
		delete(c.commands, application)
		if err := c.StopApplication(application, func(error) {
			if done != nil {
				done(errors.Newf(errors.ErrCodeAbnormalTermination,
					"start of application %q failed, application stopped", application))
			}
		}); err != nil && done != nil {
			done(err)
		}
		return false
	default: // ABORT
		c.logger.Warn().Str("application", cmd.application).Msg("required start failed, aborting plan")
		cmd.failed = true
		c.finishCommand(cmd)
		return false
	}
}

func (c *Commander) finishCommand(cmd *command) {
	if c.commands[cmd.application] != cmd {
		return
	}
	delete(c.commands, cmd.application)
	var err error
	if cmd.failed {
		err = errors.Newf(errors.ErrCodeAbnormalTermination,
			"command for application %q terminated abnormally", cmd.application)
	}
	c.logger.Info().Str("application", cmd.application).Bool("failed", cmd.failed).Msg("command terminated")
	if cmd.done != nil {
		cmd.done(err)
	}
}

func (c *Commander) jobTimeout(startTime time.Duration) time.Duration {
	if startTime > c.minTimeout {
		return startTime
	}
	return c.minTimeout
}
