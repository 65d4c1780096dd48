package main

import (
	"context"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/app"
	"tradecore/internal/ops"
)

type options struct {
	configPath   string
	addr         string
	reloadPeriod time.Duration
}

func run(ctx context.Context, opt options) error {
	loaded, err := ops.Load(opt.configPath)
	if err != nil {
		return err
	}
	if opt.addr != "" {
		loaded.HTTPAddr = opt.addr
	}

	if loaded.Profiling.ServerAddress != "" {
		profiler, err := startProfiler(loaded.Profiling)
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	a, err := app.New(ctx, loaded)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logs.Errorf("trader: close: %+v", err)
		}
	}()

	return a.Run(ctx, app.RunOptions{
		ConfigPath:   opt.configPath,
		ReloadPeriod: opt.reloadPeriod,
		ServeHTTP:    true,
	})
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	name := cfg.ApplicationName
	if name == "" {
		name = "tradecore"
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.ServerAddress,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}
