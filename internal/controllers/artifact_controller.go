package controllers

import (
	"github.com/osvaldoandrade/tiledetect/internal/artifacts"
	"github.com/osvaldoandrade/tiledetect/internal/metrics"
	"github.com/osvaldoandrade/tiledetect/internal/services"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"github.com/gin-gonic/gin"
)

type detectionArtifactController struct{ svc services.DetectionService }

func NewDetectionArtifactController(svc services.DetectionService) *detectionArtifactController {
	return &detectionArtifactController{svc: svc}
}

func (h *detectionArtifactController) Handle(c *gin.Context) {
	id := c.Param("id")
	kind, ok := domain.ParseArtifactKind(c.Param("kind"))
	if !ok {
		metrics.ArtifactServedTotal.WithLabelValues("detection", "invalid").Inc()
		writeError(c, id, domain.ValidationError(domain.CodeInvalidName, "artifact kind must be json or image"))
		return
	}
	art, err := h.svc.Artifact(c.Request.Context(), id, kind)
	if err != nil {
		metrics.ArtifactServedTotal.WithLabelValues("detection", string(domain.KindOf(err))).Inc()
		writeError(c, id, err)
		return
	}
	metrics.ArtifactServedTotal.WithLabelValues("detection", "ok").Inc()
	sendArtifact(c, art)
}

// serveArtifactController answers flat lookups by artifact file name.
type serveArtifactController struct {
	server artifacts.Server
	route  string
}

func NewServeArtifactController(server artifacts.Server, route string) *serveArtifactController {
	return &serveArtifactController{server: server, route: route}
}

func (h *serveArtifactController) Handle(c *gin.Context) {
	art, err := h.server.Serve(c.Param("name"))
	if err != nil {
		metrics.ArtifactServedTotal.WithLabelValues(h.route, string(domain.KindOf(err))).Inc()
		writeError(c, "", err)
		return
	}
	metrics.ArtifactServedTotal.WithLabelValues(h.route, "ok").Inc()
	sendArtifact(c, art)
}

func sendArtifact(c *gin.Context, art *artifacts.Artifact) {
	c.Header("Content-Type", art.ContentType)
	c.Header("Content-Disposition", `inline; filename="`+art.Name+`"`)
	c.File(art.Path)
}
