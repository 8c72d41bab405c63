package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/store"
)

func (s *Server) handleDeviceRegister(c *gin.Context) {
	var body struct {
		DeviceID string         `json:"device_id" binding:"required"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	binding, err := s.lifelog.Register(ctx, body.DeviceID, body.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, binding)
}

func (s *Server) handleDeviceBind(c *gin.Context) {
	var body struct {
		DeviceID string `json:"device_id" binding:"required"`
		UserID   string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	binding, err := s.lifelog.Bind(ctx, body.DeviceID, body.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, binding)
}

func (s *Server) handleDeviceActivate(c *gin.Context) {
	var body struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	binding, token, err := s.lifelog.Activate(ctx, body.DeviceID, []byte(s.cfg.DeviceTokenSecret))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"binding": binding, "device_token": token})
}

func (s *Server) handleDeviceRevoke(c *gin.Context) {
	var body struct {
		DeviceID string `json:"device_id" binding:"required"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	binding, err := s.lifelog.Revoke(ctx, body.DeviceID, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, binding)
}

func (s *Server) handleDeviceBindingGet(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": "device_id is required"})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	binding, err := s.lifelog.Get(ctx, deviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, binding)
}

type opsDispatchRequest struct {
	DeviceID    string         `json:"device_id" binding:"required"`
	SessionID   string         `json:"session_id"`
	OpType      string         `json:"op_type" binding:"required"`
	Payload     map[string]any `json:"payload"`
}

var opTypeToCommand = map[string]envelope.CommandType{
	"set_config": envelope.CommandSetConfig,
	"tool_call":  envelope.CommandToolCall,
	"ota_plan":   envelope.CommandOTAPlan,
}

func (s *Server) handleOpsDispatch(c *gin.Context) {
	var body opsDispatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	cmdType, ok := opTypeToCommand[body.OpType]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": "unknown op_type"})
		return
	}
	s.dispatchOp(c, body.DeviceID, body.SessionID, body.OpType, cmdType, body.Payload)
}

// handleDeviceOp returns a handler bound to one op_type, for the
// POST /v1/device/{id}/{set_config|tool_call|ota_plan} shorthand routes.
func (s *Server) handleDeviceOp(opType string, cmdType envelope.CommandType) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")
		var body struct {
			SessionID string         `json:"session_id"`
			Payload   map[string]any `json:"payload"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
			return
		}
		s.dispatchOp(c, deviceID, body.SessionID, opType, cmdType, body.Payload)
	}
}

func (s *Server) dispatchOp(c *gin.Context, deviceID, sessionID, opType string, cmdType envelope.CommandType, payload map[string]any) {
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	operationID := uuid.NewString()
	if err := s.lifelog.CreateOperation(ctx, store.DeviceOperation{
		OperationID: operationID,
		DeviceID:    deviceID,
		SessionID:   sessionID,
		OpType:      opType,
		CommandType: string(cmdType),
		Payload:     payload,
	}); err != nil {
		respondError(c, err)
		return
	}

	seq := s.orchestrator.NextOutboundSeq(ctx, deviceID, sessionID)
	cmdPayload := map[string]any{"operation_id": operationID}
	for k, v := range payload {
		cmdPayload[k] = v
	}
	cmd := envelope.NewCommand(cmdType, deviceID, sessionID, seq, cmdPayload)
	if err := s.orchestrator.DispatchCommand(ctx, cmd); err != nil {
		_ = s.lifelog.UpdateOperationStatus(ctx, operationID, store.OperationFailed, nil, err.Error())
		respondError(c, err)
		return
	}
	_ = s.lifelog.UpdateOperationStatus(ctx, operationID, store.OperationSent, nil, "")
	c.JSON(http.StatusAccepted, gin.H{"operation_id": operationID, "status": "sent"})
}

func (s *Server) handleOpsAck(c *gin.Context) {
	operationID := c.Param("operation_id")
	var body struct {
		Status string         `json:"status" binding:"required"`
		Result map[string]any `json:"result"`
		Error  string         `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	status := store.OperationStatus(body.Status)
	if status != store.OperationAcked && status != store.OperationFailed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": "status must be acked or failed"})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.lifelog.UpdateOperationStatus(ctx, operationID, status, body.Result, body.Error); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleOpsList(c *gin.Context) {
	deviceID := c.Query("device_id")
	ctx, cancel := withTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	ops, err := s.lifelog.ListOperations(ctx, deviceID, queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) handleVisionAnalyze(c *gin.Context) {
	var body struct {
		DeviceID  string         `json:"device_id" binding:"required"`
		SessionID string         `json:"session_id"`
		Payload   map[string]any `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "detail": err.Error()})
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	text, err := s.orchestrator.AnalyzeVision(ctx, body.DeviceID, body.SessionID, body.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}
