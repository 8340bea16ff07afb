package core

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supvisors/supvisors/internal/clock"
	"github.com/supvisors/supvisors/internal/commander"
	"github.com/supvisors/supvisors/internal/config"
	supvctx "github.com/supvisors/supvisors/internal/context"
	"github.com/supvisors/supvisors/internal/event"
	"github.com/supvisors/supvisors/internal/fsm"
	"github.com/supvisors/supvisors/internal/mapper"
	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/errors"
	"github.com/supvisors/supvisors/pkg/types"
)

// fakeSupervisor acknowledges every request by feeding the matching process
// events back into the core, the way a live local supervisor would.
type fakeSupervisor struct {
	mu     sync.Mutex
	server *Server
	dump   map[string][]model.ProcessEvent
}

func (f *fakeSupervisor) StartProcess(_ context.Context, address, namespec, extraArgs string) error {
	spec, err := types.ParseNamespec(namespec)
	if err != nil {
		return err
	}
	f.server.SubmitProcessEvent(model.ProcessEvent{
		Address: address, ApplicationName: spec.ApplicationName, ProcessName: spec.ProcessName,
		State: types.ProcessStarting,
	})
	f.server.SubmitProcessEvent(model.ProcessEvent{
		Address: address, ApplicationName: spec.ApplicationName, ProcessName: spec.ProcessName,
		State: types.ProcessRunning,
	})
	return nil
}

func (f *fakeSupervisor) StopProcess(_ context.Context, address, namespec string) error {
	spec, err := types.ParseNamespec(namespec)
	if err != nil {
		return err
	}
	f.server.SubmitProcessEvent(model.ProcessEvent{
		Address: address, ApplicationName: spec.ApplicationName, ProcessName: spec.ProcessName,
		State: types.ProcessStopped, Expected: true,
	})
	return nil
}

func (f *fakeSupervisor) GetAllProcessInfo(_ context.Context, address string) ([]model.ProcessEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dump[address], nil
}

func (f *fakeSupervisor) CheckAuthorization(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

type cluster struct {
	server *Server
	cancel context.CancelFunc
	done   chan error
	stop   func()
}

// startCluster boots a two-node cluster with one auto-started application
// and drives heartbeats until shutdown.
func startCluster(t *testing.T) *cluster {
	t.Helper()

	p1 := model.DefaultProcessRules()
	p1.StartSequence = 1
	p1.Required = true
	p1.ExpectedLoading = 20
	rules := &config.Rules{
		Applications: map[string]config.ApplicationRules{
			"movies": {
				Application: model.ApplicationRules{
					StartSequence:    1,
					StartingStrategy: types.StrategyLessLoaded,
				},
				Processes: map[string]model.ProcessRules{"p1": p1},
			},
		},
	}

	clk := clock.System{}
	bus := event.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)

	addressMapper := mapper.New([]string{"n1", "n2"}, nil)
	stateContext := supvctx.New(supvctx.Config{
		Logger:         zerolog.Nop(),
		Clock:          clk,
		Mapper:         addressMapper,
		Rules:          rules,
		Publisher:      bus,
		SynchroTimeout: 200 * time.Millisecond,
		LocalAddress:   "n1",
	})
	clusterFSM := fsm.New(zerolog.Nop(), clk, bus, 200*time.Millisecond)

	client := &fakeSupervisor{dump: map[string][]model.ProcessEvent{
		"n1": {{ApplicationName: "movies", ProcessName: "p1", State: types.ProcessStopped}},
	}}
	server := New(Config{
		Logger:               zerolog.Nop(),
		Clock:                clk,
		Context:              stateContext,
		FSM:                  clusterFSM,
		Client:               client,
		ConciliationStrategy: types.ConciliationInfanticide,
		TickPeriod:           50 * time.Millisecond,
	})
	client.server = server
	server.SetCommander(commander.New(commander.Config{
		Logger:     zerolog.Nop(),
		Clock:      clk,
		View:       stateContext,
		Declared:   addressMapper.Declared(),
		Nodes:      stateContext,
		Dispatcher: server,
		MinTimeout: time.Second,
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(runCtx) }()

	// Heartbeats for both nodes.
	heartbeats, stopHeartbeats := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeats.Done():
				return
			case now := <-ticker.C:
				server.SubmitTick("n1", now)
				server.SubmitTick("n2", now)
			}
		}
	}()

	c := &cluster{server: server, cancel: cancel, done: done}
	c.stop = func() {
		stopHeartbeats()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("core loop did not stop")
		}
	}
	t.Cleanup(c.stop)
	return c
}

func (c *cluster) waitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		payload, err := c.server.GetSupvisorsState()
		require.NoError(t, err)
		if payload.StateName == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	payload, _ := c.server.GetSupvisorsState()
	t.Fatalf("cluster never reached %s, stuck in %s", want, payload.StateName)
}

func TestCluster_DeploysToOperation(t *testing.T) {
	c := startCluster(t)
	c.waitState(t, "OPERATION")

	master, err := c.server.GetMasterAddress()
	require.NoError(t, err)
	assert.Equal(t, "n1", master)

	// The auto-started application ended up running.
	infos, err := c.server.GetAllProcessInfo()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "RUNNING", infos[0].StateName)
	require.Len(t, infos[0].Addresses, 1)

	applications, err := c.server.GetAllApplicationsInfo()
	require.NoError(t, err)
	require.Len(t, applications, 1)
	assert.Equal(t, "RUNNING", applications[0].StateName)

	// Starting it again is rejected.
	_, err = c.server.StartApplication(types.StrategyConfig, "movies")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.NewError(errors.ErrCodeAlreadyStarted, "")))
}

func TestCluster_StopAndRestartApplication(t *testing.T) {
	c := startCluster(t)
	c.waitState(t, "OPERATION")

	d, err := c.server.StopApplication("movies")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(waitCtx))

	applications, err := c.server.GetAllApplicationsInfo()
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", applications[0].StateName)

	// Start it back through the facade.
	d, err = c.server.StartApplication(types.StrategyLessLoaded, "movies")
	require.NoError(t, err)
	require.NoError(t, d.Wait(waitCtx))

	infos, err := c.server.GetAllProcessInfo()
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", infos[0].StateName)
}

func TestCluster_ConciliationInfanticide(t *testing.T) {
	c := startCluster(t)
	c.waitState(t, "OPERATION")

	infos, err := c.server.GetAllProcessInfo()
	require.NoError(t, err)
	require.Len(t, infos[0].Addresses, 1)
	first := infos[0].Addresses[0]
	other := "n2"
	if first == "n2" {
		other = "n1"
	}

	// The same process pops up on a second node: split brain.
	c.server.SubmitProcessEvent(model.ProcessEvent{
		Address: other, ApplicationName: "movies", ProcessName: "p1",
		State: types.ProcessRunning,
	})

	// INFANTICIDE keeps the newest instance; the original is stopped and
	// the cluster returns to OPERATION.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conflicts, err := c.server.GetConflicts()
		if err == nil && len(conflicts) == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.waitState(t, "OPERATION")

	infos, err = c.server.GetAllProcessInfo()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, []string{other}, infos[0].Addresses)
	assert.Equal(t, "RUNNING", infos[0].StateName)
}

func TestCluster_Restart(t *testing.T) {
	c := startCluster(t)
	c.waitState(t, "OPERATION")

	require.NoError(t, c.server.Restart())
	select {
	case err := <-c.done:
		require.NoError(t, err)
		c.done <- nil // let the cleanup observe the exit too
	case <-time.After(2 * time.Second):
		t.Fatal("core loop did not exit on restart")
	}
	assert.Equal(t, types.ClusterRestarting, c.server.ExitState())
}

func TestDeferred(t *testing.T) {
	t.Parallel()

	d := newDeferred()
	done, _ := d.Poll()
	assert.False(t, done)

	failure := errors.NewError(errors.ErrCodeAbnormalTermination, "boom")
	d.resolve(failure)
	d.resolve(nil) // later resolutions are ignored

	done, err := d.Poll()
	assert.True(t, done)
	assert.Equal(t, failure, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, failure, d.Wait(waitCtx))
}
