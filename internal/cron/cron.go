// Package cron schedules the gateway's periodic maintenance jobs:
// lifelog/thought-trace retention cleanup, push-queue flush sweeps, and
// observability sampling, the ambient upkeep SPEC_FULL.md's stores need
// but that no single request drives.
package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opencane/gateway/internal/digitaltask"
	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/logging"
	"github.com/opencane/gateway/internal/runtime"
	"github.com/opencane/gateway/internal/store"
)

// Config mirrors config.Settings.Cron/Observability's scheduling knobs.
type Config struct {
	RetentionCleanupCron    string
	PushQueueFlushCron      string
	ObservabilitySampleCron string

	RetentionMaxAgeDays int
	PushQueueFlushLimit int
}

func defaultConfig(c Config) Config {
	if c.RetentionCleanupCron == "" {
		c.RetentionCleanupCron = "0 3 * * *"
	}
	if c.PushQueueFlushCron == "" {
		c.PushQueueFlushCron = "@every 1m"
	}
	if c.ObservabilitySampleCron == "" {
		c.ObservabilitySampleCron = "@every 30s"
	}
	if c.RetentionMaxAgeDays <= 0 {
		c.RetentionMaxAgeDays = 30
	}
	if c.PushQueueFlushLimit <= 0 {
		c.PushQueueFlushLimit = 200
	}
	return c
}

// Scheduler wraps a robfig/cron runner with the gateway's three
// maintenance jobs.
type Scheduler struct {
	cfg Config
	c   *cron.Cron
	log *logging.Logger

	lifelog       *store.LifelogDB
	observability *store.ObservabilityDB
	tasks         *digitaltask.Service
	orchestrator  *runtime.Orchestrator
}

// Deps bundles the scheduler's backing services. Observability is
// optional; if nil the sampling job is skipped.
type Deps struct {
	Lifelog       *store.LifelogDB
	Observability *store.ObservabilityDB
	Tasks         *digitaltask.Service
	Orchestrator  *runtime.Orchestrator
	Log           *logging.Logger
}

// New builds a Scheduler and registers its jobs. Call Start to begin
// running them.
func New(cfg Config, deps Deps) *Scheduler {
	log := deps.Log
	if log == nil {
		log = logging.New(false)
	}
	s := &Scheduler{
		cfg:           defaultConfig(cfg),
		c:             cron.New(),
		log:           log.Named("cron"),
		lifelog:       deps.Lifelog,
		observability: deps.Observability,
		tasks:         deps.Tasks,
		orchestrator:  deps.Orchestrator,
	}
	s.register()
	return s
}

func (s *Scheduler) register() {
	if _, err := s.c.AddFunc(s.cfg.RetentionCleanupCron, s.runRetentionCleanup); err != nil {
		s.log.Errorf("register retention cleanup job %q: %v", s.cfg.RetentionCleanupCron, err)
	}
	if s.tasks != nil {
		if _, err := s.c.AddFunc(s.cfg.PushQueueFlushCron, s.runPushQueueFlush); err != nil {
			s.log.Errorf("register push queue flush job %q: %v", s.cfg.PushQueueFlushCron, err)
		}
	}
	if s.observability != nil && s.orchestrator != nil {
		if _, err := s.c.AddFunc(s.cfg.ObservabilitySampleCron, s.runObservabilitySample); err != nil {
			s.log.Errorf("register observability sample job %q: %v", s.cfg.ObservabilitySampleCron, err)
		}
	}
}

// Start runs the scheduler in the background. Non-blocking.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func (s *Scheduler) runRetentionCleanup() {
	if s.lifelog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := envelope.NowMS() - int64(s.cfg.RetentionMaxAgeDays)*24*3600*1000
	removed, err := s.lifelog.CleanupRetention(ctx, cutoff)
	if err != nil {
		s.log.Errorf("retention cleanup: %v", err)
		return
	}
	s.log.Infof("retention cleanup removed %d rows older than %d days", removed, s.cfg.RetentionMaxAgeDays)
}

func (s *Scheduler) runPushQueueFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	flushed, err := s.tasks.FlushAllPendingUpdates(ctx, s.cfg.PushQueueFlushLimit)
	if err != nil {
		s.log.Errorf("push queue flush: %v", err)
		return
	}
	if flushed > 0 {
		s.log.Infof("push queue flush processed %d pending updates", flushed)
	}
}

func (s *Scheduler) runObservabilitySample() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics := s.orchestrator.MetricsSnapshot()
	taskStats, err := s.tasks.Stats(ctx)
	if err != nil {
		s.log.Errorf("observability sample: task stats: %v", err)
		taskStats = map[string]int{}
	}
	taskTotal := 0
	for _, n := range taskStats {
		taskTotal += n
	}

	metricsMap := map[string]any{
		"events_processed":  metrics.EventsProcessed,
		"events_dropped":    metrics.EventsDropped,
		"auth_denied":       metrics.AuthDenied,
		"duplicate_dropped": metrics.DuplicateDropped,
		"voice_turns":       metrics.VoiceTurns,
		"voice_errors":      metrics.VoiceErrors,
		"safety_downgrades": metrics.SafetyDowngrades,
		"task_routed":       metrics.TaskRouted,
		"task_total":        taskTotal,
	}

	if err := s.observability.AddSample(ctx, store.ObservabilitySample{
		TSMs:    envelope.NowMS(),
		Healthy: metrics.EventsDropped == 0,
		Metrics: metricsMap,
	}); err != nil {
		s.log.Errorf("observability sample: %v", err)
	}
}
