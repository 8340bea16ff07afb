// Command supvisord runs one node of the Supvisors control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/supvisors/supvisors/internal/clock"
	"github.com/supvisors/supvisors/internal/commander"
	"github.com/supvisors/supvisors/internal/config"
	supvctx "github.com/supvisors/supvisors/internal/context"
	"github.com/supvisors/supvisors/internal/core"
	"github.com/supvisors/supvisors/internal/event"
	"github.com/supvisors/supvisors/internal/fsm"
	"github.com/supvisors/supvisors/internal/mapper"
	"github.com/supvisors/supvisors/internal/metrics"
	"github.com/supvisors/supvisors/internal/rpc"
	"github.com/supvisors/supvisors/internal/supervisor"
	"github.com/supvisors/supvisors/pkg/types"
)

const restartExitCode = 3

func main() {
	optionsPath := flag.String("config", "supvisors.yaml", "path of the options file")
	flag.Parse()

	if err := run(*optionsPath); err != nil {
		fmt.Fprintf(os.Stderr, "supvisord: %v\n", err)
		os.Exit(1)
	}
}

func run(optionsPath string) error {
	options, err := config.LoadOptions(optionsPath)
	if err != nil {
		return err
	}
	rules, err := config.LoadRules(options.RulesFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(options)
	if err != nil {
		return err
	}

	addressMapper := mapper.New(options.AddressList, nil)
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to read hostname: %w", err)
	}
	localAddress, err := addressMapper.Resolve(hostname)
	if err != nil {
		return fmt.Errorf("this host is not part of the cluster: %w", err)
	}
	logger.Info().Str("address", localAddress).Msg("supvisord starting")

	clk := clock.System{}
	bus := event.NewBus(logger)

	stateContext := supvctx.New(supvctx.Config{
		Logger:         logger,
		Clock:          clk,
		Mapper:         addressMapper,
		Rules:          rules,
		Publisher:      bus,
		SynchroTimeout: options.SynchroTimeout,
		LocalAddress:   localAddress,
	})
	clusterFSM := fsm.New(logger, clk, bus, options.SynchroTimeout)
	client := supervisor.NewHTTPClient(supervisor.Config{Port: options.SupervisorPort}, logger)

	conciliation, err := types.ParseConciliationStrategy(options.ConciliationStrategy)
	if err != nil {
		return err
	}
	server := core.New(core.Config{
		Logger:               logger,
		Clock:                clk,
		Context:              stateContext,
		FSM:                  clusterFSM,
		Client:               client,
		ConciliationStrategy: conciliation,
		TickPeriod:           options.TickPeriod,
	})
	server.SetCommander(commander.New(commander.Config{
		Logger:     logger,
		Clock:      clk,
		View:       stateContext,
		Declared:   addressMapper.Declared(),
		Nodes:      stateContext,
		Dispatcher: server,
		MinTimeout: options.MinJobTimeout,
	}))

	rpcConfig := rpc.DefaultServerConfig()
	rpcConfig.Address = fmt.Sprintf(":%d", options.HTTPPort)
	rpcServer := rpc.NewServer(rpcConfig, server, logger)

	publisher := event.NewTCPPublisher(bus, options.EventPort, logger)
	collector := metrics.NewCollector(metrics.Config{
		Port:         options.MetricsPort,
		StatsPeriods: options.StatsPeriods,
		StatsHisto:   options.StatsHisto,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(groupCtx)

	group.Go(func() error {
		defer cancelRun()
		return server.Run(runCtx)
	})
	group.Go(func() error { return publisher.Run(runCtx) })
	group.Go(func() error { return collector.Run(runCtx, bus) })
	group.Go(func() error { return rpcServer.Start() })
	group.Go(func() error {
		<-runCtx.Done()
		return rpcServer.Shutdown(context.Background())
	})

	err = group.Wait()
	bus.Close()
	if err != nil && err != context.Canceled {
		return err
	}
	if server.ExitState() == types.ClusterRestarting {
		logger.Info().Msg("supvisord restarting")
		os.Exit(restartExitCode)
	}
	logger.Info().Msg("supvisord stopped")
	return nil
}

func newLogger(options *config.Options) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(options.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", options.LogLevel, err)
	}
	output := os.Stderr
	if options.LogFile != "" {
		file, err := os.OpenFile(options.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}
