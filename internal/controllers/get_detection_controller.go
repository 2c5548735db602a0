package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/tiledetect/internal/services"

	"github.com/gin-gonic/gin"
)

type getDetectionController struct{ svc services.DetectionService }

func NewGetDetectionController(svc services.DetectionService) *getDetectionController {
	return &getDetectionController{svc: svc}
}

func (h *getDetectionController) Handle(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": rec.RequestID,
		"run_name":   rec.RunName,
		"detector":   rec.Detector,
		"caller":     rec.Caller,
		"created_at": rec.CreatedAt,
		"result":     newDetectionResponse(rec.Result),
	})
}
