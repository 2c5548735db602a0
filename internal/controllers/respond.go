package controllers

import (
	"github.com/osvaldoandrade/tiledetect/internal/middleware"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"github.com/gin-gonic/gin"
)

type artifactURLs struct {
	JSONURL  string `json:"json_url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type detectionResponse struct {
	domain.DetectionResult
	ArtifactURLs *artifactURLs `json:"artifact_urls,omitempty"`
}

func newDetectionResponse(res domain.DetectionResult) detectionResponse {
	out := detectionResponse{DetectionResult: res}
	if res.Artifacts == nil || res.RequestID == "" {
		return out
	}
	urls := &artifactURLs{}
	base := "/v1/detections/" + res.RequestID + "/artifacts/"
	if res.Artifacts.JSONName != "" {
		urls.JSONURL = base + string(domain.ArtifactJSON)
	}
	if res.Artifacts.ImageName != "" {
		urls.ImageURL = base + string(domain.ArtifactImage)
	}
	out.ArtifactURLs = urls
	return out
}

// writeError answers with the failed-result shape. Internal details are
// logged, never returned.
func writeError(c *gin.Context, requestID string, err error) {
	if domain.KindOf(err) == domain.KindInternal {
		middleware.Logger(c).Error("request failed", "path", c.Request.URL.Path, "err", err)
	}
	msg := domain.PublicMessage(err)
	body := gin.H{
		"success":            false,
		"detections":         nil,
		"error":              msg,
		"error_kind":         domain.KindOf(err),
		"artifact_reference": nil,
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	if code := domain.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(domain.HTTPStatus(err), body)
}
