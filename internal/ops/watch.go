package ops

import (
	"context"
	"os"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/risk"
)

const defaultWatchInterval = 5 * time.Second

// Watch polls path and calls update with every config that loads cleanly
// after the file changes. A file that fails to load is logged and the
// previous config stays in force.
func Watch(ctx context.Context, path string, interval time.Duration, update func(Loaded)) {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			loaded, err := Load(path)
			if err != nil {
				logs.Errorf("config reload failed: %+v", err)
				continue
			}
			update(loaded)
			logs.Infof("config reloaded: %s", path)
		}
	}
}

// SwapLimits installs the reloaded risk limits and returns the new version.
func SwapLimits(store *risk.LimitStore, loaded Loaded) uint64 {
	prev := store.Swap(loaded.Limits)
	next := store.Load()
	logs.Infof("risk limits v%d -> v%d", prev.Version, next.Version)
	return next.Version
}
