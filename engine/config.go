package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aoflog/aoflog/config"
	"github.com/aoflog/aoflog/core"
)

// OptionsFromConfig converts the loaded configuration into engine Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (Options, error) {
	syncMode, err := core.ParseSyncMode(cfg.Persistence.SyncMode)
	if err != nil {
		return Options{}, fmt.Errorf("invalid persistence config: %w", err)
	}
	compression, err := core.ParseCompressionType(cfg.Persistence.Compression)
	if err != nil {
		return Options{}, fmt.Errorf("invalid persistence config: %w", err)
	}

	return Options{
		Path:                 cfg.Persistence.Path,
		SyncMode:             syncMode,
		Compression:          compression,
		FlushInterval:        config.ParseDuration(cfg.Persistence.FlushInterval, time.Second, logger),
		BufferFlushBytes:     cfg.Persistence.BufferFlushBytes,
		AutoRepair:           cfg.Persistence.AutoRepair,
		RewritePercentage:    cfg.Persistence.AutoRewritePercentage,
		RewriteMinBytes:      cfg.Persistence.AutoRewriteMinBytes,
		RewriteCheckInterval: config.ParseDuration(cfg.Persistence.RewriteCheckInterval, 10*time.Second, logger),
		DiskPreflight:        cfg.Persistence.DiskPreflight,
		Logger:               logger,
	}, nil
}
