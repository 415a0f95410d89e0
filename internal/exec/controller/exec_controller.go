// Package controller exposes the execution engine over HTTP and websocket.
package controller

import (
	"github.com/gin-gonic/gin"

	"runlab/internal/exec/coordinator"
	"runlab/internal/exec/model"
	"runlab/pkg/utils/response"
)

// ExecController serves the execution lifecycle endpoints.
type ExecController struct {
	coordinator *coordinator.Coordinator
}

// NewExecController creates the controller.
func NewExecController(c *coordinator.Coordinator) *ExecController {
	return &ExecController{coordinator: c}
}

// RegisterRoutes mounts the execution endpoints on the group.
func (ctl *ExecController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/executions", ctl.Submit)
	rg.GET("/executions/:id", ctl.GetStatus)
	rg.GET("/executions/:id/result", ctl.GetResult)
	rg.POST("/executions/:id/cancel", ctl.Cancel)
}

type submitRequest struct {
	SessionID string                `json:"session_id"`
	Image     string                `json:"image"`
	Script    string                `json:"script"`
	Params    map[string]string     `json:"params"`
	Limits    *model.ResourceLimits `json:"limits"`
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Submit queues one execution and returns its id immediately.
func (ctl *ExecController) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetHeader("X-Session-Id")
	}

	submit := coordinator.SubmitRequest{
		SessionID: req.SessionID,
		Image:     req.Image,
		Script:    req.Script,
		Params:    req.Params,
	}
	if req.Limits != nil {
		submit.Limits = *req.Limits
	}

	execID, err := ctl.coordinator.Submit(c.Request.Context(), submit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, submitResponse{ExecutionID: execID})
}

// GetStatus reports the execution's lifecycle state and usage.
func (ctl *ExecController) GetStatus(c *gin.Context) {
	execID := c.Param("id")
	if execID == "" {
		response.BadRequest(c, "execution id is required")
		return
	}
	status, err := ctl.coordinator.GetStatus(c.Request.Context(), execID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// GetResult reports the terminal outcome, or ExecutionNotReady before it.
func (ctl *ExecController) GetResult(c *gin.Context) {
	execID := c.Param("id")
	if execID == "" {
		response.BadRequest(c, "execution id is required")
		return
	}
	result, err := ctl.coordinator.GetResult(c.Request.Context(), execID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

type cancelResponse struct {
	ExecutionID string           `json:"execution_id"`
	Status      model.ExecStatus `json:"status"`
}

// Cancel stops an execution. Repeated cancels return the settled status.
func (ctl *ExecController) Cancel(c *gin.Context) {
	execID := c.Param("id")
	if execID == "" {
		response.BadRequest(c, "execution id is required")
		return
	}
	status, err := ctl.coordinator.Cancel(c.Request.Context(), execID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, cancelResponse{ExecutionID: execID, Status: status})
}
