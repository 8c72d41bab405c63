package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/store"
)

func (s *Server) handleLifelogImageEnqueue(c *gin.Context) {
	var body struct {
		DeviceID  string         `json:"device_id" binding:"required"`
		SessionID string         `json:"session_id"`
		Payload   map[string]any `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	env := envelope.NewEvent(envelope.EventImageReady, body.DeviceID, body.SessionID, 0, body.Payload)
	if !s.orchestrator.InjectEvent(env) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": "adapter does not support injection"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "msg_id": env.MsgID})
}

func (s *Server) handleLifelogTimeline(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	filter := store.TimelineFilter{
		SessionID: c.Query("session_id"),
		EventType: c.Query("event_type"),
		RiskLevel: c.Query("risk_level"),
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
	}
	events, err := s.lifelog.Timeline(ctx, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleThoughtTraceAppend(c *gin.Context) {
	var body struct {
		TraceID   string         `json:"trace_id" binding:"required"`
		SessionID string         `json:"session_id"`
		Source    string         `json:"source"`
		Stage     string         `json:"stage"`
		Payload   map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	entry := store.ThoughtTraceEntry{
		TraceID:   body.TraceID,
		SessionID: body.SessionID,
		Source:    body.Source,
		Stage:     body.Stage,
		Payload:   body.Payload,
		TSMs:      envelope.NowMS(),
	}
	if err := s.lifelog.AddThoughtTrace(ctx, entry); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleThoughtTraceQuery(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": "session_id is required"})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	entries, err := s.lifelog.QueryThoughtTraces(ctx, sessionID, queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleThoughtTraceReplay(c *gin.Context) {
	traceID := c.Param("trace_id")
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	entries, err := s.lifelog.ThoughtTrace(ctx, traceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace_id": traceID, "entries": entries})
}

func (s *Server) handleTelemetryList(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": "device_id is required"})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	samples, err := s.lifelog.ListTelemetrySamples(ctx, deviceID, queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

func (s *Server) handleSafetyQuery(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	filter := store.TimelineFilter{
		SessionID: c.Query("session_id"),
		EventType: "safety_policy",
		RiskLevel: c.Query("risk_level"),
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
	}
	events, err := s.lifelog.Timeline(ctx, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleSafetyStats(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	sinceMs := int64(queryInt(c, "since_ms", 0))
	if sinceMs <= 0 {
		sinceMs = envelope.NowMS() - 24*3600*1000
	}
	stats, err := s.lifelog.SafetyStats(ctx, sinceMs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"since_ms": sinceMs, "by_risk_level": stats})
}

func (s *Server) handleDeviceSessions(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	sessions, err := s.lifelog.ListDeviceSessions(ctx, c.Query("device_id"), queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleRetentionCleanup(c *gin.Context) {
	var body struct {
		OlderThanDays int `json:"older_than_days"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.OlderThanDays <= 0 {
		body.OlderThanDays = 30
	}
	ctx, cancel := withTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	cutoff := envelope.NowMS() - int64(body.OlderThanDays)*24*3600*1000
	removed, err := s.lifelog.CleanupRetention(ctx, cutoff)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "cutoff_ms": cutoff})
}
