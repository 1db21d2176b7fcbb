package gateway

import (
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/scheduler"
	"github.com/MarcoPoloResearchLab/signalhub/internal/voice"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const defaultSweepInterval = 5 * time.Minute

// SweeperConfig configures the idle voice sweep.
type SweeperConfig struct {
	Gateway   *Gateway
	Clock     clock.Clock
	Interval  time.Duration
	Threshold time.Duration
	Logger    *zap.Logger
}

// StartIdleSweeper periodically evicts idle voice users and announces their departures.
// The returned job must be stopped on shutdown.
func StartIdleSweeper(cfg SweeperConfig) *scheduler.Job {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = voice.DefaultIdleThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := cfg.Gateway
	return scheduler.Every(cfg.Clock, interval, func() {
		if removed := gateway.SweepIdle(threshold); removed > 0 {
			logger.Info("idle voice sweep completed", zap.Int("removed", removed))
		}
	})
}
