// Command gatewayd is the device runtime gateway's process entrypoint: it
// loads configuration, wires every component (session manager, audio
// pipeline, policies, southbound adapter, digital-task executor, runtime
// orchestrator, control-plane HTTP server, maintenance cron), and runs
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencane/gateway/internal/adapter"
	"github.com/opencane/gateway/internal/adapter/mock"
	"github.com/opencane/gateway/internal/adapter/mqtt"
	"github.com/opencane/gateway/internal/adapter/websocket"
	"github.com/opencane/gateway/internal/agent"
	"github.com/opencane/gateway/internal/audio"
	"github.com/opencane/gateway/internal/config"
	"github.com/opencane/gateway/internal/controlplane"
	"github.com/opencane/gateway/internal/cron"
	"github.com/opencane/gateway/internal/digitaltask"
	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/logging"
	"github.com/opencane/gateway/internal/policy"
	"github.com/opencane/gateway/internal/runtime"
	"github.com/opencane/gateway/internal/session"
	"github.com/opencane/gateway/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.Debug)
	logger.Info("gatewayd starting")

	lifelogDB, err := store.OpenLifelogDB(cfg.Store.LifelogPath)
	if err != nil {
		log.Fatalf("failed to open lifelog database: %v", err)
	}
	defer lifelogDB.Close()

	observabilityDB, err := store.OpenObservabilityDB(cfg.Store.ObservabilityPath, cfg.Observability.MaxRows)
	if err != nil {
		log.Fatalf("failed to open observability database: %v", err)
	}
	defer observabilityDB.Close()

	taskDB, err := store.OpenTaskDB(cfg.DigitalTask.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open task database: %v", err)
	}
	defer taskDB.Close()

	sessions := session.NewManager(lifelogDB)

	audioPipeline := audio.NewPipeline(audio.Options{
		EnableVAD:        true,
		PrebufferChunks:  3,
		JitterWindow:     5,
		VADSilenceChunks: 8,
	})

	southbound := buildAdapter(cfg, logger)

	// Tasks and the orchestrator are mutually dependent: the task
	// service's status callback pushes through the orchestrator, but the
	// orchestrator is built with the task service as a dependency. The
	// callback closes over this forward-declared pointer, which is set
	// before either is run.
	var orchestrator *runtime.Orchestrator

	taskCallback := func(ctx context.Context, update digitaltask.StatusUpdate) bool {
		if orchestrator == nil || update.DeviceID == "" {
			return false
		}
		if update.Notify {
			seq := orchestrator.NextOutboundSeq(ctx, update.DeviceID, update.SessionID)
			cmd := envelope.NewCommand(envelope.CommandTaskUpdate, update.DeviceID, update.SessionID, seq, map[string]any{
				"task_id": update.TaskID,
				"status":  string(update.Status),
				"message": update.Message,
				"event":   update.Event,
			})
			if err := orchestrator.DispatchCommand(ctx, cmd); err != nil {
				return false
			}
		}
		if update.Speak && update.Message != "" {
			orchestrator.Speak(ctx, update.DeviceID, update.SessionID, update.Message, "digital_task", "P2", 1.0)
		}
		return true
	}

	tasks := digitaltask.New(taskDB, digitaltask.Options{
		DefaultTimeoutSeconds: cfg.DigitalTask.DefaultTimeoutSeconds,
		MaxConcurrentTasks:    cfg.DigitalTask.MaxConcurrentTasks,
		StatusRetryCount:      cfg.DigitalTask.StatusRetryCount,
		StatusRetryBackoffMs:  cfg.DigitalTask.StatusRetryBackoffMs,
	}, notConfiguredExecutor, taskCallback, logger)

	orchestrator = runtime.New(runtime.Config{
		TTSMode:                 cfg.Hardware.TTSMode,
		DeviceAuthEnabled:       cfg.Hardware.DeviceAuthEnabled,
		AllowUnboundDevices:     cfg.Hardware.AllowUnboundDevices,
		RequireActivatedDevices: cfg.Hardware.RequireActivatedDevices,
		NoHeartbeatTimeoutS:     cfg.Hardware.NoHeartbeatTimeoutS,
		PolicyCacheTTLS:         cfg.Hardware.PolicyClient.CacheTTLSeconds,
	}, runtime.Deps{
		Adapter:  southbound,
		Sessions: sessions,
		Audio:    audioPipeline,
		Tasks:    tasks,
		Lifelog:  lifelogDB,
		Safety:   policy.NewSafetyPolicy(),
		Interaction: policy.NewInteractionPolicy(),
		Log:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if recovered, err := tasks.RecoverUnfinishedTasks(ctx, 1000); err != nil {
		logger.Errorf("recover unfinished tasks: %v", err)
	} else if recovered > 0 {
		logger.Infof("recovered %d unfinished digital tasks", recovered)
	}

	controlServer := controlplane.New(controlplane.Config{
		ListenAddr:                   cfg.Hardware.ControlAPI.ListenAddr,
		AuthEnabled:                  cfg.Hardware.ControlAPI.Auth.Enabled,
		AuthToken:                    cfg.Hardware.ControlAPI.Auth.Token,
		DeviceTokenSecret:            cfg.Hardware.ControlAPI.DeviceTokenSecret,
		RateLimitEnabled:             cfg.Hardware.ControlAPI.RateLimit.Enabled,
		RateLimitRPM:                 cfg.Hardware.ControlAPI.RateLimit.RPM,
		RateLimitBurst:               cfg.Hardware.ControlAPI.RateLimit.Burst,
		RateLimitWindowS:             cfg.Hardware.ControlAPI.RateLimit.WindowSeconds,
		RateLimitRedisAddr:           cfg.Hardware.ControlAPI.RateLimit.Redis.Addr,
		RateLimitRedisPassword:       cfg.Hardware.ControlAPI.RateLimit.Redis.Password,
		RateLimitRedisDB:             cfg.Hardware.ControlAPI.RateLimit.Redis.DB,
		ReplayEnabled:                cfg.Hardware.ControlAPI.Replay.Enabled,
		ReplayWindowS:                cfg.Hardware.ControlAPI.Replay.WindowSeconds,
		MaxRequestBodyBytes:          cfg.Hardware.ControlAPI.MaxRequestBodyBytes,
		MinTaskTotalForAlert:         cfg.Observability.MinTaskTotalForAlert,
		IngestRejectedActiveQueueMin: cfg.Observability.IngestRejectedActiveQueueMin,
	}, controlplane.Deps{
		Orchestrator:  orchestrator,
		Tasks:         tasks,
		Lifelog:       lifelogDB,
		Observability: observabilityDB,
		Log:           logger,
	})

	scheduler := cron.New(cron.Config{
		RetentionCleanupCron:    cfg.Cron.RetentionCleanupCron,
		PushQueueFlushCron:      cfg.Cron.PushQueueFlushCron,
		ObservabilitySampleCron: cfg.Cron.ObservabilitySampleCron,
	}, cron.Deps{
		Lifelog:       lifelogDB,
		Observability: observabilityDB,
		Tasks:         tasks,
		Orchestrator:  orchestrator,
		Log:           logger,
	})
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- orchestrator.Run(ctx)
	}()
	go func() {
		if err := controlServer.Run(); err != nil {
			logger.Errorf("control-plane server stopped: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Errorf("orchestrator stopped: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("control-plane shutdown: %v", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("orchestrator shutdown: %v", err)
	}
	logger.Info("gatewayd stopped")
}

// buildAdapter selects the southbound transport named by
// hardware.adapter: "mock" (default), "websocket", "mqtt" (vendor EC600
// framing), or "mqtt_generic" (profile-driven).
func buildAdapter(cfg *config.Settings, logger *logging.Logger) adapter.Adapter {
	switch cfg.Hardware.Adapter {
	case "websocket":
		return websocket.New(websocket.Options{
			ListenAddr:   cfg.Hardware.WebSocketListenAddr,
			RequireToken: cfg.Hardware.WebSocketRequireToken,
			Token:        cfg.Hardware.ControlAPI.Auth.Token,
			AudioMagic:   cfg.Hardware.MQTT.AudioMagicByte,
		}, logger)
	case "mqtt":
		return mqtt.New(mqttOptions(cfg), logger)
	case "mqtt_generic":
		return mqtt.NewGeneric(mqtt.GenericOptions{
			Options:         mqttOptions(cfg),
			AudioUplinkMode: mqtt.AudioUplinkFramed,
		}, logger)
	default:
		return mock.New(cfg.Hardware.MQTT.AudioMagicByte)
	}
}

func mqttOptions(cfg *config.Settings) mqtt.Options {
	m := cfg.Hardware.MQTT
	return mqtt.Options{
		Host:                     m.Host,
		Port:                     m.Port,
		Keepalive:                m.Keepalive,
		QoSControl:               m.QoSControl,
		QoSAudio:                 m.QoSAudio,
		ReconnectMinSeconds:      m.ReconnectMinSeconds,
		ReconnectMaxSeconds:      m.ReconnectMaxSeconds,
		OfflineControlBuffer:     m.OfflineControlBuffer,
		ControlReplayWindow:      m.ControlReplayWindow,
		ReplayEnabled:            m.ReplayEnabled,
		HeartbeatTopic:           m.HeartbeatTopic,
		HeartbeatIntervalSeconds: m.HeartbeatIntervalSec,
		UpControlTopic:           m.UpControlTopic,
		UpAudioTopic:             m.UpAudioTopic,
		DownControlTopic:         m.DownControlTopic,
		DownAudioTopic:           m.DownAudioTopic,
		AudioMagicByte:           m.AudioMagicByte,
	}
}

// notConfiguredExecutor is the digital-task executor used until a real
// LLM-driven implementation is wired in; spec.md places the LLM provider
// itself out of scope for this core.
func notConfiguredExecutor(ctx context.Context, goal, sessionID string) (agent.Result, error) {
	return agent.Result{}, errors.New("digital task executor not configured")
}
