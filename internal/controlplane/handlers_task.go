package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencane/gateway/internal/digitaltask"
	"github.com/opencane/gateway/internal/store"
)

func (s *Server) handleTaskExecute(c *gin.Context) {
	var body struct {
		TaskID            string `json:"task_id"`
		SessionID         string `json:"session_id"`
		Goal              string `json:"goal" binding:"required"`
		TimeoutSeconds    int    `json:"timeout_seconds"`
		DeviceID          string `json:"device_id"`
		Notify            bool   `json:"notify"`
		Speak             bool   `json:"speak"`
		InterruptPrevious bool   `json:"interrupt_previous"`
		Source            string `json:"source"`
		TraceID           string `json:"trace_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	taskID, err := s.tasks.Execute(ctx, digitaltask.ExecuteRequest{
		TaskID:            body.TaskID,
		SessionID:         body.SessionID,
		Goal:              body.Goal,
		TimeoutSeconds:    body.TimeoutSeconds,
		DeviceID:          body.DeviceID,
		Notify:            body.Notify,
		Speak:             body.Speak,
		InterruptPrevious: body.InterruptPrevious,
		Source:            body.Source,
		TraceID:           body.TraceID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (s *Server) handleTaskStats(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	stats, err := s.tasks.Stats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_status": stats})
}

func (s *Server) handleTaskGet(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	task, err := s.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleTaskList(c *gin.Context) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	status := store.TaskStatus(c.Query("status"))
	tasks, err := s.tasks.List(ctx, status, queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator_cancel"
	}
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := s.tasks.Cancel(ctx, c.Param("id"), body.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}
