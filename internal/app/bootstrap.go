package app

import (
	"time"

	"loopbot/internal/config"
	"loopbot/internal/runtime/supervisor"
	"loopbot/internal/services/housekeeping"
	"loopbot/internal/services/loop"
	"loopbot/internal/storage"
)

type Config = config.Config

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.New
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError
)

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	defaultDelay, _, _, _ := cfg.LoopDurations()
	path := cfg.Storage.Path
	if path == "" {
		path = "./loopbot.db"
	}
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		Path:         path,
		BusyTimeout:  busy,
		DefaultDelay: defaultDelay,
	}, nil
}

func mapLoopConfig(cfg *Config) loop.Config {
	defaultDelay, minDelay, sendTimeout, retryMax := cfg.LoopDurations()
	return loop.Config{
		Delay:       defaultDelay,
		MinDelay:    minDelay,
		SendTimeout: sendTimeout,
		RetryMax:    retryMax,
	}
}

func mapHousekeepingConfig(cfg *Config) housekeeping.Config {
	out := housekeeping.Config{Enabled: true, PruneAfter: 30 * 24 * time.Hour}
	if cfg.Housekeeping == nil {
		return out
	}
	out.Enabled = cfg.Housekeeping.Enabled
	prune, err := config.ParseDurationField("housekeeping.prune_after", cfg.Housekeeping.PruneAfter)
	if err == nil && cfg.Housekeeping.PruneAfter != "" {
		out.PruneAfter = prune
	}
	return out
}
