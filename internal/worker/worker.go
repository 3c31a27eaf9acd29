// Package worker runs the single dedicated inference thread: blocking
// dequeue, synchronous detect, reply delivery, statistics update. The
// detector and the engine session behind it are reachable only from
// this thread.
package worker

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
	"github.com/blue-onyx/blue-onyx-go/internal/detector"
	"github.com/blue-onyx/blue-onyx-go/internal/postprocess"
	"github.com/blue-onyx/blue-onyx-go/internal/reqqueue"
	"github.com/blue-onyx/blue-onyx-go/internal/stats"
)

// ModuleID and ModuleName are the fixed identity strings stamped on
// every detection response for CodeProject.AI client compatibility.
const (
	ModuleID   = "blue_onyx"
	ModuleName = "Blue Onyx"
)

// Worker drains the request queue on its own OS thread and drives the
// detector.
type Worker struct {
	queue *reqqueue.Queue
	det   *detector.Detector
	agg   *stats.Aggregator
	log   zerolog.Logger

	done chan struct{}
}

// New wires a worker. Start must be called exactly once.
func New(queue *reqqueue.Queue, det *detector.Detector, agg *stats.Aggregator, log zerolog.Logger) *Worker {
	return &Worker{
		queue: queue,
		det:   det,
		agg:   agg,
		log:   log.With().Str("component", "worker").Logger(),
	}
}

// Start launches the worker loop on a dedicated OS thread and returns
// immediately. Wait blocks until the loop has drained and exited.
func (w *Worker) Start() {
	w.done = make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(w.done)
		w.run()
	}()
}

// Wait blocks until the worker loop exits. Only meaningful after Start.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) run() {
	w.log.Info().Msg("detector worker loop starting")
	for {
		item, ok := w.queue.Dequeue()
		if !ok {
			break
		}
		w.process(item)
	}
	w.log.Info().Msg("detector worker loop exiting")
}

func (w *Worker) process(item reqqueue.Item) {
	req := item.Request
	queueTime := time.Since(req.EnqueuedAt)
	w.log.Debug().Str("request_id", req.RequestID).Dur("queue_time", queueTime).Msg("dequeued request")

	// Clients mostly send the generic "image.jpg"; key debug
	// snapshots by request id so they don't overwrite each other.
	imageName := req.ImageName
	if imageName == "" || imageName == "image.jpg" {
		imageName = req.RequestID + ".jpg"
	}

	result, err := w.det.Detect(req.ImageBytes, imageName, req.MinConfidence)

	if !item.TrySettle() {
		// The handler timed out or the client disconnected; it already
		// accounted for the request, so the result is discarded.
		w.log.Warn().Str("request_id", req.RequestID).Msg("request abandoned before completion, dropping response")
		return
	}

	var response api.DetectionResponse
	if err != nil {
		kind := api.AsError(err)
		w.log.Warn().Err(err).Str("request_id", req.RequestID).Str("kind", kind.Kind.String()).Msg("detection failed")
		w.agg.RecordDropped()
		response = api.DetectionResponse{
			Success:     false,
			Message:     kind.Error(),
			Predictions: []api.Prediction{},
			Code:        kind.Kind.Code(),
			Command:     "detect",
			ModuleID:    ModuleID,
			ModuleName:  ModuleName,
			RequestID:   req.RequestID,
		}
	} else {
		response = w.buildResponse(req.RequestID, result)
		w.agg.RecordSuccess()
		w.agg.Record(stats.CategoryDecode, result.Timings.Decode)
		w.agg.Record(stats.CategoryResize, result.Timings.Resize)
		w.agg.Record(stats.CategoryInference, result.Timings.Inference)
		w.agg.Record(stats.CategoryProcess, result.Timings.Process)
	}

	roundTrip := time.Since(req.EnqueuedAt)
	response.AnalysisRoundTripMs = roundTrip.Milliseconds()
	response.InferenceMs = result.Timings.Inference.Milliseconds()
	response.ProcessMs = result.Timings.Process.Milliseconds()
	w.agg.Record(stats.CategoryRoundTrip, roundTrip)

	// Settling won the race against the handler's timeout, so the
	// buffered slot is guaranteed free and the handler will read it.
	item.Reply <- response
}

func (w *Worker) buildResponse(requestID string, result detector.Result) api.DetectionResponse {
	predictions := make([]api.Prediction, 0, len(result.Detections))
	for _, det := range result.Detections {
		predictions = append(predictions, toPrediction(det))
	}

	message := ""
	if result.OverrideApplied {
		message = fmt.Sprintf("applied per-request confidence threshold %.2f", result.EffectiveThreshold)
	}

	return api.DetectionResponse{
		Success:     true,
		Message:     message,
		Count:       len(predictions),
		Predictions: predictions,
		Code:        0,
		Command:     "detect",
		ModuleID:    ModuleID,
		ModuleName:  ModuleName,
		RequestID:   requestID,
	}
}

func toPrediction(det postprocess.Detection) api.Prediction {
	p := api.Prediction{
		Label:      det.Label,
		Confidence: det.Confidence,
		XMin:       int(det.Box.X1),
		YMin:       int(det.Box.Y1),
		XMax:       int(det.Box.X2),
		YMax:       int(det.Box.Y2),
	}
	// A sub-pixel box truncates to equal edges; widen it to one pixel.
	// X2 <= width and int(X2) < X2 here, so the result stays in bounds.
	if p.XMax <= p.XMin {
		p.XMax = p.XMin + 1
	}
	if p.YMax <= p.YMin {
		p.YMax = p.YMin + 1
	}
	return p
}
