// Package stats is the process-wide statistics aggregator: success and
// drop counters plus running min/max/mean for each timing category.
// Writers are the worker thread (completed requests) and the HTTP
// handler (drop path); the /stats endpoint reads snapshots. Coarse
// consistency is sufficient: readers may observe a mean mid-update.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
)

// Category indexes one of the five timing series the aggregator tracks.
type Category int

const (
	CategoryDecode Category = iota
	CategoryResize
	CategoryInference
	CategoryProcess
	CategoryRoundTrip
	numCategories
)

type timingSeries struct {
	mu    sync.Mutex
	count int64
	min   float64
	max   float64
	mean  float64
}

func (s *timingSeries) record(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 || ms < s.min {
		s.min = ms
	}
	if s.count == 0 || ms > s.max {
		s.max = ms
	}
	s.count++
	s.mean += (ms - s.mean) / float64(s.count)
}

func (s *timingSeries) snapshot() api.StatTiming {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.StatTiming{Count: s.count, MinMs: s.min, MaxMs: s.max, MeanMs: s.mean}
}

// Aggregator is the process-wide singleton described in the design:
// created at startup, torn down at exit, locked per-category.
type Aggregator struct {
	startedAt         time.Time
	modelName         string
	deviceName        string
	executionProvider string
	inputSize         int

	successful atomic.Int64
	dropped    atomic.Int64

	series [numCategories]timingSeries
}

// New builds an aggregator stamped with the immutable session facts
// reported on /stats.
func New(modelName, executionProvider string, inputSize int) *Aggregator {
	return &Aggregator{
		startedAt:         time.Now().UTC(),
		modelName:         modelName,
		deviceName:        DeviceName(),
		executionProvider: executionProvider,
		inputSize:         inputSize,
	}
}

// DeviceName describes the host the way the stats endpoint reports it.
func DeviceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s (%s/%s, %d cores)", host, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
}

// Record registers one timing sample for the given category.
func (a *Aggregator) Record(c Category, d time.Duration) {
	a.series[c].record(float64(d.Microseconds()) / 1000.0)
}

// RecordSuccess counts one completed request. Called only from the
// worker thread.
func (a *Aggregator) RecordSuccess() {
	a.successful.Add(1)
}

// RecordDropped counts one dropped request: queue-full, timeout, or
// inference failure.
func (a *Aggregator) RecordDropped() {
	a.dropped.Add(1)
}

// Successful returns the completed-request count.
func (a *Aggregator) Successful() int64 { return a.successful.Load() }

// Dropped returns the dropped-request count.
func (a *Aggregator) Dropped() int64 { return a.dropped.Load() }

// Snapshot materializes the current counters into the /stats wire format.
func (a *Aggregator) Snapshot(version string) api.StatsResponse {
	return api.StatsResponse{
		StartedAt:          a.startedAt,
		UptimeSeconds:      time.Since(a.startedAt).Seconds(),
		Version:            version,
		ModelName:          a.modelName,
		DeviceName:         a.deviceName,
		ExecutionProvider:  a.executionProvider,
		InputWidth:         a.inputSize,
		InputHeight:        a.inputSize,
		SuccessfulRequests: a.successful.Load(),
		DroppedRequests:    a.dropped.Load(),
		Decode:             a.series[CategoryDecode].snapshot(),
		Resize:             a.series[CategoryResize].snapshot(),
		Inference:          a.series[CategoryInference].snapshot(),
		Process:            a.series[CategoryProcess].snapshot(),
		RoundTrip:          a.series[CategoryRoundTrip].snapshot(),
	}
}

// RunSaver periodically writes a JSON snapshot to path until ctx is
// cancelled. Started only when save_stats_path is configured.
func (a *Aggregator) RunSaver(ctx context.Context, path, version string, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.save(path, version); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to save stats snapshot")
			}
		}
	}
}

func (a *Aggregator) save(path, version string) error {
	data, err := json.MarshalIndent(a.Snapshot(version), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
