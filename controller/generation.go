package controller

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"genpipe/logic"
	"genpipe/models"
)

// ArtifactLister 产物查询边界（assets.Store 实现）
type ArtifactLister interface {
	ListByGeneration(ctx context.Context, generationID string) ([]*models.Artifact, error)
}

// Controller 对外 HTTP 接口
type Controller struct {
	creation  *logic.CreationService
	lifecycle *logic.Lifecycle
	gens      logic.GenerationStore
	artifacts ArtifactLister
	log       *zap.Logger
}

func New(creation *logic.CreationService, lifecycle *logic.Lifecycle, gens logic.GenerationStore, artifacts ArtifactLister, log *zap.Logger) *Controller {
	return &Controller{
		creation:  creation,
		lifecycle: lifecycle,
		gens:      gens,
		artifacts: artifacts,
		log:       log,
	}
}

// Register 挂载路由
func (ctl *Controller) Register(r gin.IRouter) {
	r.POST("/generations", ctl.CreateGeneration)
	r.GET("/generations/:id", ctl.GetGeneration)
	r.POST("/generations/:id/cancel", ctl.CancelGeneration)
}

// CreateGeneration 提交生成请求。
// 命中去重时返回已有任务，新任务以 202 受理、异步执行。
func (ctl *Controller) CreateGeneration(c *gin.Context) {
	var req models.CreateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid request: " + strings.ToLower(verrs[0].Field()) + " " + verrs[0].Tag(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	g, reused, err := ctl.creation.Create(c.Request.Context(), &req)
	if err != nil {
		if models.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, models.ErrCreateConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "identical request already in progress, retry shortly"})
			return
		}
		ctl.log.Error("failed to create generation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create generation"})
		return
	}

	status := http.StatusAccepted
	if reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"id":     g.ID,
		"status": g.Status,
		"reused": reused,
	})
}

// GetGeneration 查询任务状态，终态附带产物列表
func (ctl *Controller) GetGeneration(c *gin.Context) {
	id := c.Param("id")
	g, err := ctl.gens.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrGenerationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
			return
		}
		ctl.log.Error("failed to load generation", zap.String("generation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load generation"})
		return
	}

	resp := &models.GenerationResponse{
		ID:            g.ID,
		Status:        g.Status,
		OperationType: g.OperationType,
		ProviderID:    g.ProviderID,
		RetryCount:    g.RetryCount,
		ErrorKind:     g.ErrorKind,
		ErrorMessage:  g.ErrorMessage,
	}
	if g.Status == models.StatusCompleted {
		arts, err := ctl.artifacts.ListByGeneration(c.Request.Context(), g.ID)
		if err != nil {
			ctl.log.Warn("failed to list artifacts", zap.String("generation_id", id), zap.Error(err))
		} else {
			resp.Artifacts = arts
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CancelGeneration 取消尚未终态的任务
func (ctl *Controller) CancelGeneration(c *gin.Context) {
	id := c.Param("id")
	g, err := ctl.lifecycle.Cancel(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrGenerationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
		case errors.Is(err, models.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": "generation already finished"})
		default:
			ctl.log.Error("failed to cancel generation", zap.String("generation_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel generation"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": g.ID, "status": g.Status})
}
