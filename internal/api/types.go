// Package api holds the wire-format types shared between the detector
// pipeline and the HTTP front-end: the /v1/vision/detection request and
// response bodies, and the /stats snapshot.
package api

import "time"

// Prediction is a single detection in the original image's coordinate
// frame. Coordinates obey 0 <= XMin < XMax <= width (and the y
// equivalent) for every prediction the postprocessor emits.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	XMin       int     `json:"x_min"`
	YMin       int     `json:"y_min"`
	XMax       int     `json:"x_max"`
	YMax       int     `json:"y_max"`
}

// DetectionRequest is what the HTTP handler hands to the request queue.
type DetectionRequest struct {
	RequestID         string
	ImageBytes        []byte
	ImageName         string
	MinConfidence     *float32 // nil means "no per-request override"
	EnqueuedAt        time.Time
}

// DetectionResponse is the /v1/vision/detection response body, matching
// the CodeProject.AI-compatible wire format.
type DetectionResponse struct {
	Success              bool         `json:"success"`
	Message              string       `json:"message"`
	Count                int          `json:"count"`
	Predictions          []Prediction `json:"predictions"`
	InferenceMs          int64        `json:"inferenceMs"`
	ProcessMs            int64        `json:"processMs"`
	AnalysisRoundTripMs  int64        `json:"analysisRoundTripMs"`
	ModuleID             string       `json:"moduleId"`
	ModuleName           string       `json:"moduleName"`
	Code                 int          `json:"code"`
	Command              string       `json:"command"`
	RequestID            string       `json:"requestId"`
}

// StatTiming is the min/max/mean/count summary for one timing category.
type StatTiming struct {
	Count int64   `json:"count"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
	MeanMs float64 `json:"meanMs"`
}

// StatsResponse is the /stats JSON snapshot.
type StatsResponse struct {
	StartedAt          time.Time  `json:"startedAt"`
	UptimeSeconds       float64    `json:"uptimeSeconds"`
	Version             string     `json:"version"`
	ModelName           string     `json:"modelName"`
	DeviceName          string     `json:"deviceName"`
	ExecutionProvider   string     `json:"executionProvider"`
	InputWidth          int        `json:"inputWidth"`
	InputHeight         int        `json:"inputHeight"`
	SuccessfulRequests  int64      `json:"successfulRequests"`
	DroppedRequests     int64      `json:"droppedRequests"`
	Decode              StatTiming `json:"decode"`
	Resize              StatTiming `json:"resize"`
	Inference           StatTiming `json:"inference"`
	Process             StatTiming `json:"process"`
	RoundTrip           StatTiming `json:"roundTrip"`
}

// UpdateAvailableResponse backs GET /v1/status/updateavailable, kept for
// CodeProject.AI-compatible clients that probe it.
type UpdateAvailableResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Current         string `json:"current"`
	Latest          string `json:"latest"`
	UpdateAvailable bool   `json:"updateAvailable"`
}

// CustomListResponse backs POST /v1/vision/custom/list.
type CustomListResponse struct {
	Success    bool     `json:"success"`
	Models     []string `json:"models"`
	ModuleID   string   `json:"moduleId"`
	ModuleName string   `json:"moduleName"`
	Command    string   `json:"command"`
}
