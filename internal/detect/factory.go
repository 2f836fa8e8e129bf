package detect

import (
	"fmt"
	"time"

	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/extension"
	"github.com/goodtune/screentime/internal/remote"
	"github.com/rs/zerolog"
)

// FactoryConfig holds detector construction defaults
type FactoryConfig struct {
	ScanInterval  time.Duration
	ExtraPatterns []string
	HistoryCap    int
	Clock         clock.Clock
}

// Factory builds detectors for agents. In auto mode it prefers enhanced
// detection and falls back to basic when no extension transport has completed
// a handshake.
type Factory struct {
	lister   remote.ProcessLister
	hub      *extension.Hub
	patterns *PatternTable
	config   FactoryConfig
	logger   zerolog.Logger
}

// NewFactory creates a detector factory
func NewFactory(lister remote.ProcessLister, hub *extension.Hub, config FactoryConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		lister:   lister,
		hub:      hub,
		patterns: NewPatternTable(config.ExtraPatterns),
		config:   config,
		logger:   logger.With().Str("component", "detector-factory").Logger(),
	}
}

// Create builds a detector for an agent in the requested mode. ModeAuto
// resolves to enhanced when available, otherwise basic.
func (f *Factory) Create(agentID string, mode Mode) (Detector, error) {
	switch mode {
	case ModeAuto:
		if f.hub.Available(agentID) {
			f.logger.Info().Str("agent_id", agentID).Msg("Extension transport available, using enhanced detection")
			return f.newEnhanced(agentID), nil
		}
		f.logger.Info().Str("agent_id", agentID).Msg("No extension transport, falling back to basic detection")
		return f.newBasic(agentID), nil

	case ModeBasic:
		return f.newBasic(agentID), nil

	case ModeEnhanced:
		if !f.hub.Available(agentID) {
			return nil, fmt.Errorf("enhanced mode unavailable for %s: no extension transport connected", agentID)
		}
		return f.newEnhanced(agentID), nil

	case ModeHybrid:
		return NewHybrid(f.newBasic(agentID), f.newEnhanced(agentID), f.logger), nil

	default:
		return nil, fmt.Errorf("unknown detection mode: %s", mode)
	}
}

func (f *Factory) newBasic(agentID string) *Basic {
	return NewBasic(f.lister, BasicConfig{
		AgentID:      agentID,
		ScanInterval: f.config.ScanInterval,
		Patterns:     f.patterns,
		Clock:        f.config.Clock,
	}, f.logger)
}

func (f *Factory) newEnhanced(agentID string) *Enhanced {
	return NewEnhanced(f.hub, EnhancedConfig{
		AgentID:    agentID,
		HistoryCap: f.config.HistoryCap,
		Clock:      f.config.Clock,
	}, f.logger)
}
