package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blue-onyx/blue-onyx-go/internal/classtable"
	"github.com/blue-onyx/blue-onyx-go/internal/config"
	"github.com/blue-onyx/blue-onyx-go/internal/detector"
	"github.com/blue-onyx/blue-onyx-go/internal/engine"
	"github.com/blue-onyx/blue-onyx-go/internal/logging"
	"github.com/blue-onyx/blue-onyx-go/internal/reqqueue"
	"github.com/blue-onyx/blue-onyx-go/internal/server"
	"github.com/blue-onyx/blue-onyx-go/internal/stats"
	"github.com/blue-onyx/blue-onyx-go/internal/worker"
)

const statsSaveInterval = time.Minute

// runServer wires the full pipeline and serves until SIGINT/SIGTERM or
// a /config-triggered restart request. Startup failures return an
// error, which main maps to a non-zero exit code.
func runServer(cfg config.Config, persistPath string) error {
	log, err := logging.Setup(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Int("port", cfg.Port).Str("model", cfg.Model).Msg("starting blue-onyx")

	classes, err := classtable.Load(cfg.ObjectClasses)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		ModelPath:      cfg.Model,
		ForceCPU:       cfg.ForceCPU,
		GPUIndex:       cfg.GPUIndex,
		IntraOpThreads: cfg.IntraThreads,
		InterOpThreads: cfg.InterThreads,
	}, log)
	if err != nil {
		return err
	}
	defer eng.Close()
	log.Info().
		Str("execution_provider", eng.ExecutionProvider()).
		Str("family", eng.Family().String()).
		Int("input_size", eng.InputSize()).
		Msg("model loaded")

	if cfg.ObjectDetectionModelType != "" && cfg.ObjectDetectionModelType != eng.Family().String() {
		log.Warn().
			Str("declared", cfg.ObjectDetectionModelType).
			Str("probed", eng.Family().String()).
			Msg("declared model type disagrees with probed output shape, using probed")
	}

	det, err := detector.New(eng, classes, detector.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ObjectFilter:        cfg.ObjectFilter,
		SaveImagePath:       cfg.SaveImagePath,
		SaveRefImage:        cfg.SaveRefImage,
	}, log)
	if err != nil {
		return err
	}
	if err := det.Warmup(warmupJPEG); err != nil {
		return err
	}

	queueSize := cfg.WorkerQueueSize
	if queueSize <= 0 {
		queueSize, err = deriveQueueSize(det, cfg.RequestTimeout())
		if err != nil {
			return err
		}
		log.Info().Int("worker_queue_size", queueSize).Msg("derived worker queue size from measured processing time")
	} else {
		log.Info().Int("worker_queue_size", queueSize).Msg("using configured worker queue size")
	}

	queue := reqqueue.New(queueSize)
	agg := stats.New(filepath.Base(cfg.Model), eng.ExecutionProvider(), eng.InputSize())

	wrk := worker.New(queue, det, agg, log)
	wrk.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var restartRequested atomic.Bool
	requestRestart := func() {
		restartRequested.Store(true)
		cancel()
	}

	if cfg.SaveStatsPath != "" {
		go agg.RunSaver(serveCtx, cfg.SaveStatsPath, Version, statsSaveInterval, log)
	}

	srv := server.New(cfg, queue, agg, Version,
		func(updated config.Config) error { return updated.Save(persistPath) },
		requestRestart, log)

	serveErr := srv.Run(serveCtx)

	queue.Close()
	wrk.Wait()

	if restartRequested.Load() {
		log.Info().Msg("shutting down cleanly for supervisor respawn with updated configuration")
	} else {
		log.Info().Msg("shutdown complete")
	}
	return serveErr
}

// deriveQueueSize estimates how many frames fit inside one request
// timeout at the measured minimum processing time. A deeper queue than
// that only adds latency to requests that would time out anyway.
func deriveQueueSize(det *detector.Detector, timeout time.Duration) (int, error) {
	minTime, err := det.MinProcessingTime(warmupJPEG)
	if err != nil {
		return 0, err
	}
	if minTime <= 0 {
		return 1, nil
	}
	size := int(timeout / minTime)
	if size < 1 {
		size = 1
	}
	const maxDerived = 64
	if size > maxDerived {
		size = maxDerived
	}
	return size, nil
}
