package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/tiledetect/internal/services"

	"github.com/gin-gonic/gin"
)

type healthController struct{ svc services.DetectionService }

func NewHealthController(svc services.DetectionService) *healthController {
	return &healthController{svc: svc}
}

func (h *healthController) Handle(c *gin.Context) {
	if err := h.svc.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
