package controlplane

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/store"
)

// registerRoutes wires every control-plane endpoint (spec.md §4.9).
func (s *Server) registerRoutes(engine *gin.Engine) {
	v1 := engine.Group("/v1")

	v1.GET("/runtime/status", s.handleRuntimeStatus)
	v1.GET("/runtime/observability", s.handleObservability)
	v1.GET("/runtime/observability/history", s.handleObservabilityHistory)

	v1.GET("/device/:id/status", s.handleDeviceStatus)
	v1.POST("/device/:id/abort", s.handleDeviceAbort)
	v1.POST("/device/event", s.handleDeviceEvent)

	v1.POST("/device/register", s.handleDeviceRegister)
	v1.POST("/device/bind", s.handleDeviceBind)
	v1.POST("/device/activate", s.handleDeviceActivate)
	v1.POST("/device/revoke", s.handleDeviceRevoke)
	v1.GET("/device/binding", s.handleDeviceBindingGet)

	v1.POST("/device/ops/dispatch", s.handleOpsDispatch)
	v1.POST("/device/:id/set_config", s.handleDeviceOp("set_config", envelope.CommandSetConfig))
	v1.POST("/device/:id/tool_call", s.handleDeviceOp("tool_call", envelope.CommandToolCall))
	v1.POST("/device/:id/ota_plan", s.handleDeviceOp("ota_plan", envelope.CommandOTAPlan))
	v1.POST("/device/ops/:operation_id/ack", s.handleOpsAck)
	v1.GET("/device/ops", s.handleOpsList)

	v1.POST("/vision/analyze", s.handleVisionAnalyze)

	v1.POST("/lifelog/image", s.handleLifelogImageEnqueue)
	v1.GET("/lifelog/timeline", s.handleLifelogTimeline)
	v1.POST("/lifelog/thought-trace", s.handleThoughtTraceAppend)
	v1.GET("/lifelog/thought-trace", s.handleThoughtTraceQuery)
	v1.GET("/lifelog/thought-trace/:trace_id/replay", s.handleThoughtTraceReplay)
	v1.GET("/lifelog/telemetry", s.handleTelemetryList)
	v1.GET("/lifelog/safety", s.handleSafetyQuery)
	v1.GET("/lifelog/safety/stats", s.handleSafetyStats)
	v1.GET("/lifelog/device-sessions", s.handleDeviceSessions)
	v1.POST("/lifelog/retention/cleanup", s.handleRetentionCleanup)

	v1.POST("/digital-task/execute", s.handleTaskExecute)
	v1.GET("/digital-task/stats", s.handleTaskStats)
	v1.GET("/digital-task/:id", s.handleTaskGet)
	v1.GET("/digital-task", s.handleTaskList)
	v1.POST("/digital-task/:id/cancel", s.handleTaskCancel)

	v1.GET("/admin/backup", s.handleAdminBackup)
}

func (s *Server) handleRuntimeStatus(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	stats, err := s.tasks.Stats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":  s.orchestrator.MetricsSnapshot(),
		"devices":  s.orchestrator.AllDeviceStatus(),
		"tasks":    stats,
	})
}

// handleObservability reports health, alerts, the orchestrator's counters
// (straight off MetricsSnapshot) and the digital-task total, and records the
// same values as an observability sample when an ObservabilityDB is wired.
func (s *Server) handleObservability(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	metrics := s.orchestrator.MetricsSnapshot()
	taskStats, err := s.tasks.Stats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	taskTotal := 0
	for _, n := range taskStats {
		taskTotal += n
	}

	healthy := true
	var alerts []string
	if taskTotal >= s.cfg.MinTaskTotalForAlert {
		if taskStats[string(store.TaskFailed)]*4 > taskTotal {
			healthy = false
			alerts = append(alerts, "high_task_failure_rate")
		}
	}
	if metrics.EventsDropped >= int64(s.cfg.IngestRejectedActiveQueueMin) {
		healthy = false
		alerts = append(alerts, "events_dropped_above_threshold")
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
	thresholds := map[string]any{
		"min_task_total_for_alert":          s.cfg.MinTaskTotalForAlert,
		"ingest_rejected_active_queue_min":  s.cfg.IngestRejectedActiveQueueMin,
	}

	if s.observability != nil {
		_ = s.observability.AddSample(ctx, store.ObservabilitySample{
			TSMs:       envelope.NowMS(),
			Healthy:    healthy,
			Metrics:    metricsMap,
			Thresholds: thresholds,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"healthy":    healthy,
		"alerts":     alerts,
		"metrics":    metricsMap,
		"thresholds": thresholds,
	})
}

func (s *Server) handleObservabilityHistory(c *gin.Context) {
	if s.observability == nil {
		c.JSON(http.StatusOK, gin.H{"buckets": []any{}})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	bucketSeconds := queryInt(c, "bucket_seconds", 60)
	if bucketSeconds < 10 {
		bucketSeconds = 10
	}
	if bucketSeconds > 3600 {
		bucketSeconds = 3600
	}
	maxPoints := queryInt(c, "max_points", 200)
	if maxPoints <= 0 || maxPoints > 2000 {
		maxPoints = 200
	}
	sinceMs := envelope.NowMS() - int64(bucketSeconds*maxPoints)*1000

	samples, err := s.observability.ListSamples(ctx, sinceMs, 0, bucketSeconds*maxPoints*4)
	if err != nil {
		respondError(c, err)
		return
	}

	type bucketAgg struct {
		startMs  int64
		count    int
		sums     map[string]float64
		maxes    map[string]float64
	}
	buckets := map[int64]*bucketAgg{}
	var order []int64
	bucketMs := int64(bucketSeconds) * 1000
	for _, sample := range samples {
		bucketStart := sample.TSMs - (sample.TSMs % bucketMs)
		agg, ok := buckets[bucketStart]
		if !ok {
			agg = &bucketAgg{startMs: bucketStart, sums: map[string]float64{}, maxes: map[string]float64{}}
			buckets[bucketStart] = agg
			order = append(order, bucketStart)
		}
		agg.count++
		for k, v := range sample.Metrics {
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			agg.sums[k] += f
			if f > agg.maxes[k] {
				agg.maxes[k] = f
			}
		}
	}

	out := make([]gin.H, 0, len(order))
	for _, start := range order {
		agg := buckets[start]
		avg := map[string]float64{}
		for k, sum := range agg.sums {
			avg[k] = sum / float64(agg.count)
		}
		out = append(out, gin.H{
			"bucket_start_ms": agg.startMs,
			"sample_count":    agg.count,
			"avg":             avg,
			"max":             agg.maxes,
		})
	}
	if len(out) > maxPoints {
		out = out[len(out)-maxPoints:]
	}

	var delta gin.H
	if len(samples) >= 2 {
		first, last := samples[0], samples[len(samples)-1]
		d := map[string]float64{}
		for k, v := range last.Metrics {
			lf, ok1 := toFloat(v)
			ff, ok2 := toFloat(first.Metrics[k])
			if ok1 && ok2 {
				d[k] = lf - ff
			}
		}
		delta = gin.H{"from_ms": first.TSMs, "to_ms": last.TSMs, "delta": d}
	}

	c.JSON(http.StatusOK, gin.H{"buckets": out, "delta": delta})
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleDeviceStatus(c *gin.Context) {
	deviceID := c.Param("id")
	snap, ok := s.orchestrator.DeviceStatus(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDeviceAbort(c *gin.Context) {
	deviceID := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator_abort"
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if !s.orchestrator.AbortDevice(ctx, deviceID, body.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

func (s *Server) handleDeviceEvent(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	env, err := envelope.Parse(body, "", "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	if !s.orchestrator.InjectEvent(env) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": "adapter does not support injection"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "msg_id": env.MsgID})
}
