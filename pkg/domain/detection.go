package domain

import (
	"io"
	"time"
)

// UploadedImage is an incoming image as received from the caller. Size is the
// declared size; Content is consumed at most once.
type UploadedImage struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// DetectionRequest is a staged upload owned by exactly one detection run.
type DetectionRequest struct {
	RequestID  string
	StagedPath string
	StagedName string
}

type BoundingBox struct {
	X1     float64 `json:"x1"`
	Y1     float64 `json:"y1"`
	X2     float64 `json:"x2"`
	Y2     float64 `json:"y2"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Detection struct {
	ID         int         `json:"id"`
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// ArtifactSet names the files one run left in its run directory. Empty names
// mean the artifact was not produced.
type ArtifactSet struct {
	RunName   string `json:"run_name"`
	JSONName  string `json:"json_name,omitempty"`
	ImageName string `json:"image_name,omitempty"`
}

func (a *ArtifactSet) Empty() bool {
	return a == nil || (a.JSONName == "" && a.ImageName == "")
}

type DetectionResult struct {
	Success           bool         `json:"success"`
	RequestID         string       `json:"request_id,omitempty"`
	Detections        []Detection  `json:"detections"`
	Total             int          `json:"total"`
	Summary           string       `json:"summary,omitempty"`
	Error             *string      `json:"error"`
	ErrorKind         ErrorKind    `json:"error_kind,omitempty"`
	ArtifactReference *string      `json:"artifact_reference"`
	Artifacts         *ArtifactSet `json:"artifacts,omitempty"`
	ResolutionError   string       `json:"resolution_error,omitempty"`
}

// FailedResult builds the caller-facing shape of a failed run.
func FailedResult(requestID string, err error) *DetectionResult {
	msg := err.Error()
	return &DetectionResult{
		Success:   false,
		RequestID: requestID,
		Error:     &msg,
		ErrorKind: KindOf(err),
	}
}

// RunRecord is the index entry that keys a run directory by its request id.
type RunRecord struct {
	RequestID string          `json:"request_id"`
	RunName   string          `json:"run_name,omitempty"`
	Detector  string          `json:"detector"`
	Caller    string          `json:"caller,omitempty"`
	Result    DetectionResult `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// ArtifactKind selects one of the two files a run can produce.
type ArtifactKind string

const (
	ArtifactJSON  ArtifactKind = "json"
	ArtifactImage ArtifactKind = "image"
)

func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch ArtifactKind(s) {
	case ArtifactJSON:
		return ArtifactJSON, true
	case ArtifactImage:
		return ArtifactImage, true
	}
	return "", false
}
