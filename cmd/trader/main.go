package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to JSON or YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	configReload := flag.Duration("config-reload-interval", 5*time.Second, "Config reload interval (0=disable)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("trader: shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, options{
		configPath:   *configPath,
		addr:         *addr,
		reloadPeriod: *configReload,
	}); err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
	logs.Infof("trader: stopped")
}
