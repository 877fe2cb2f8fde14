// Package cadence emits synthetic proactive signals on cron schedules. It
// covers agents whose gateway does not run a proactive opportunity scanner:
// a daily time_to_post nudge and, optionally, a time_to_create_project
// nudge. The signals go through the normal event bus, so dedup and approval
// behave exactly as they do for gateway-delivered signals.
package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/nookplot/internal/config"
	"github.com/jkaninda/nookplot/internal/events"
	"github.com/jkaninda/nookplot/internal/protocol"
)

// Scheduler runs the cadence cron entries.
type Scheduler struct {
	cfg    *config.CadenceConfig
	bus    *events.Bus
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a cadence Scheduler. The config must be non-nil and enabled;
// callers skip construction otherwise.
func New(cfg *config.CadenceConfig, bus *events.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the cron entries and begins the scheduler. Returns a stop
// function.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	if _, err := s.cron.AddFunc(s.cfg.PostCron(), func() {
		s.emit(ctx, protocol.Signal{
			Type:      protocol.SignalTimeToPost,
			Community: s.cfg.Community,
		}, map[string]any{
			"agentDomains": s.cfg.Domains,
		})
	}); err != nil {
		return nil, fmt.Errorf("post cadence schedule: %w", err)
	}

	if s.cfg.ProjectSched != "" {
		if _, err := s.cron.AddFunc(s.cfg.ProjectSched, func() {
			s.emit(ctx, protocol.Signal{
				Type: protocol.SignalTimeToCreateProject,
			}, map[string]any{
				"agentDomains": s.cfg.Domains,
				"agentMission": s.cfg.Mission,
			})
		}); err != nil {
			return nil, fmt.Errorf("project cadence schedule: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("cadence scheduler started",
		slog.String("post_schedule", s.cfg.PostCron()),
		slog.String("project_schedule", s.cfg.ProjectSched),
	)
	return func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}, nil
}

// emit publishes a synthetic signal envelope onto the bus.
func (s *Scheduler) emit(ctx context.Context, sig protocol.Signal, extra map[string]any) {
	payload := map[string]any{
		"signalType": string(sig.Type),
	}
	if sig.Community != "" {
		payload["community"] = sig.Community
	}
	for k, v := range extra {
		payload[k] = v
	}
	env, err := protocol.NewEnvelope(protocol.EventProactiveSignal, payload)
	if err != nil {
		s.logger.Error("building cadence signal failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("emitting cadence signal", slog.String("signal_type", string(sig.Type)))
	s.bus.DispatchEnvelope(ctx, env)
}
