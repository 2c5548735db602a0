package controllers

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/tiledetect/internal/middleware"
	"github.com/osvaldoandrade/tiledetect/internal/services"
	"github.com/osvaldoandrade/tiledetect/pkg/domain"

	"github.com/gin-gonic/gin"
)

// multipartOverhead covers boundaries and form fields around the file part.
const multipartOverhead = 1 << 20

type createDetectionController struct {
	svc      services.DetectionService
	maxBytes int64
}

func NewCreateDetectionController(svc services.DetectionService, maxBytes int64) *createDetectionController {
	return &createDetectionController{svc: svc, maxBytes: maxBytes}
}

func (h *createDetectionController) Handle(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, "", uploadError(err, h.maxBytes))
		return
	}
	opts := services.Options{Caller: middleware.Caller(c)}
	if raw := strings.TrimSpace(formOrQuery(c, "conf")); raw != "" {
		conf, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(c, "", domain.ValidationError(domain.CodeInvalidConfidence, "invalid confidence %q", raw))
			return
		}
		opts.Confidence = &conf
	}

	f, err := fh.Open()
	if err != nil {
		writeError(c, "", domain.InternalError(err, "open uploaded file"))
		return
	}
	defer f.Close()

	res, err := h.svc.Run(c.Request.Context(), domain.UploadedImage{
		Filename: fh.Filename,
		Size:     fh.Size,
		Content:  f,
	}, opts)
	if err != nil {
		requestID := ""
		if res != nil {
			requestID = res.RequestID
		}
		writeError(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, newDetectionResponse(*res))
}

func uploadError(err error, maxBytes int64) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return domain.ValidationError(domain.CodeTooLarge, "request exceeds %d bytes", maxBytes)
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart), errors.Is(err, multipart.ErrMessageTooLarge):
		return domain.ValidationError(domain.CodeMissingFile, "no file part in request")
	}
	return domain.ValidationError(domain.CodeMissingFile, "unreadable upload: %v", err)
}

func formOrQuery(c *gin.Context, key string) string {
	if v, ok := c.GetPostForm(key); ok {
		return v
	}
	return c.Query(key)
}
