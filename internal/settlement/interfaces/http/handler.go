package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	calcdomain "github.com/wyfcoding/cashflowengine/internal/calculation/domain"
	"github.com/wyfcoding/cashflowengine/internal/settlement/application"
	"github.com/wyfcoding/cashflowengine/internal/settlement/domain"
)

// CashFlowSource 已持久化现金流条目的查询面，派生端点由此取数
type CashFlowSource interface {
	GetEntries(ctx context.Context, requestID string) ([]calcdomain.CashFlowEntry, error)
}

type SettlementHandler struct {
	app       *application.SettlementAppService
	cashflows CashFlowSource
}

func NewSettlementHandler(app *application.SettlementAppService, cashflows CashFlowSource) *SettlementHandler {
	return &SettlementHandler{app: app, cashflows: cashflows}
}

func (h *SettlementHandler) RegisterRoutes(r *gin.RouterGroup) {
	v1 := r.Group("/v1/settlements")
	{
		v1.POST("/derive", h.Derive)
		v1.GET("/:settlementId", h.GetInstruction)
		v1.GET("/pending", h.ListPending)
		v1.POST("/:settlementId/transitions", h.Transition)
		v1.POST("/process", h.ProcessPending)
	}
}

// Derive 从某次计算请求的已落库现金流派生结算指令，重复调用幂等
func (h *SettlementHandler) Derive(c *gin.Context) {
	var body struct {
		RequestID string `json:"request_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.cashflows == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cash flow source not configured"})
		return
	}

	entries, err := h.cashflows.GetEntries(c.Request.Context(), body.RequestID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cash flows found for request"})
		return
	}

	instructions, err := h.app.DeriveInstructions(c.Request.Context(), entries)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(instructions), "instructions": instructions})
}

func (h *SettlementHandler) GetInstruction(c *gin.Context) {
	instruction, err := h.app.Get(c.Request.Context(), c.Param("settlementId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if instruction == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement instruction not found"})
		return
	}
	c.JSON(http.StatusOK, instruction)
}

func (h *SettlementHandler) ListPending(c *gin.Context) {
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	dueBy := time.Now()
	if d := c.Query("due_by"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "due_by must be YYYY-MM-DD"})
			return
		}
		dueBy = parsed
	}

	instructions, err := h.app.FindPending(c.Request.Context(), dueBy, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(instructions), "instructions": instructions})
}

func (h *SettlementHandler) Transition(c *gin.Context) {
	var cmd application.TransitionCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	instruction, err := h.app.Transition(c.Request.Context(), c.Param("settlementId"), cmd)
	if err != nil {
		var transitionErr *domain.TransitionError
		var maxRetryErr *domain.ErrMaxRetriesExceeded
		switch {
		case errors.As(err, &transitionErr):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &maxRetryErr):
			// 迁移已生效，但需要告知调用方人工介入
			c.JSON(http.StatusOK, gin.H{"instruction": instruction, "warning": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, instruction)
}

func (h *SettlementHandler) ProcessPending(c *gin.Context) {
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	processed, succeeded, failed, err := h.app.ProcessPending(c.Request.Context(), time.Now(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed, "succeeded": succeeded, "failed": failed})
}
