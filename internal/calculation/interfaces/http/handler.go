package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/cashflowengine/internal/calculation/application"
	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
)

type CalculationHandler struct {
	app *application.CalculationService
}

func NewCalculationHandler(app *application.CalculationService) *CalculationHandler {
	return &CalculationHandler{app: app}
}

func (h *CalculationHandler) RegisterRoutes(r *gin.RouterGroup) {
	v1 := r.Group("/v1/calculations")
	{
		v1.POST("", h.Calculate)
		v1.GET("/:requestId", h.GetCalculation)
		v1.GET("/:requestId/cashflows", h.GetCashFlows)
		v1.POST("/:requestId/reproduce", h.Reproduce)
	}
}

func (h *CalculationHandler) Calculate(c *gin.Context) {
	var req domain.CalculationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}

	result, err := h.app.Calculate(c.Request.Context(), &req)
	if err != nil {
		var validationErr *domain.ValidationError
		var persistenceErr *domain.PersistenceError
		switch {
		case errors.As(err, &validationErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &persistenceErr) && result != nil:
			// 计算已完成但落库失败，结果照常返回并带警告
			c.JSON(http.StatusOK, gin.H{"result": result, "warning": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *CalculationHandler) GetCalculation(c *gin.Context) {
	record, err := h.app.GetRecord(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "calculation request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *CalculationHandler) GetCashFlows(c *gin.Context) {
	entries, err := h.app.GetEntries(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "cash_flows": entries})
}

func (h *CalculationHandler) Reproduce(c *gin.Context) {
	reproduction, err := h.app.Reproduce(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "calculation request not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reproduction)
}
