package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/blue-onyx/blue-onyx-go/internal/config"
	"github.com/blue-onyx/blue-onyx-go/internal/download"
	"github.com/blue-onyx/blue-onyx-go/internal/logging"
)

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string

	root := &cobra.Command{
		Use:           "blue-onyx",
		Short:         "Single-model object-detection HTTP server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			effective, persistPath, err := resolveConfig(cmd.Flags(), cfg, configPath)
			if err != nil {
				return err
			}
			return runServer(effective, persistPath)
		},
	}

	flags := root.Flags()
	flags.IntVar(&cfg.Port, "port", cfg.Port, "port the server listens on for HTTP requests")
	flags.Float64Var(&cfg.RequestTimeoutSeconds, "request-timeout", cfg.RequestTimeoutSeconds, "per-request timeout in seconds")
	flags.IntVar(&cfg.WorkerQueueSize, "worker-queue-size", cfg.WorkerQueueSize, "inference queue capacity; 0 derives it from the measured processing time")
	flags.StringVar(&cfg.Model, "model", cfg.Model, "path to the ONNX model file")
	flags.StringVar(&cfg.ObjectDetectionModelType, "object-detection-model-type", cfg.ObjectDetectionModelType, "declared model family, transformer or anchor (cross-checked against the probed model)")
	flags.StringVar(&cfg.ObjectClasses, "object-classes", cfg.ObjectClasses, "path to the class sidecar file, one label per line")
	flags.StringSliceVar(&cfg.ObjectFilter, "object-filter", cfg.ObjectFilter, "only emit detections with these labels, e.g. person,cup")
	flags.Float32Var(&cfg.ConfidenceThreshold, "confidence-threshold", cfg.ConfidenceThreshold, "minimum confidence for emitted detections")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: trace, debug, info, warn, error")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "log to daily files in this directory instead of stdout")
	flags.BoolVar(&cfg.ForceCPU, "force-cpu", cfg.ForceCPU, "skip GPU execution providers")
	flags.IntVar(&cfg.GPUIndex, "gpu-index", cfg.GPUIndex, "GPU device index when multiple GPUs exist")
	flags.IntVar(&cfg.IntraThreads, "intra-threads", cfg.IntraThreads, "intra-op parallelism for CPU inference; 0 uses all cores")
	flags.IntVar(&cfg.InterThreads, "inter-threads", cfg.InterThreads, "inter-op parallelism for CPU inference")
	flags.StringVar(&cfg.SaveImagePath, "save-image-path", cfg.SaveImagePath, "save annotated debug images to this directory")
	flags.BoolVar(&cfg.SaveRefImage, "save-ref-image", cfg.SaveRefImage, "also save the unannotated original next to each debug image")
	flags.StringVar(&cfg.SaveStatsPath, "save-stats-path", cfg.SaveStatsPath, "periodically snapshot /stats JSON to this file")
	flags.StringVar(&configPath, "config", "", "load configuration from this JSON file; mutually exclusive with other flags")

	root.AddCommand(newListModelsCmd(), newDownloadModelsCmd())
	return root
}

// resolveConfig applies the file-wins precedence rule: a --config file
// is used as-is and must not be combined with other flags; otherwise
// the flag values form a fresh config that is persisted next to the
// executable.
func resolveConfig(flags *pflag.FlagSet, flagCfg config.Config, configPath string) (config.Config, string, error) {
	if configPath != "" {
		var conflicting []string
		flags.Visit(func(f *pflag.Flag) {
			if f.Name != "config" {
				conflicting = append(conflicting, "--"+f.Name)
			}
		})
		if len(conflicting) > 0 {
			return config.Config{}, "", fmt.Errorf("--config cannot be combined with %v", conflicting)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, "", err
		}
		if err := cfg.Validate(); err != nil {
			return config.Config{}, "", fmt.Errorf("config %q: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	if err := flagCfg.Validate(); err != nil {
		return config.Config{}, "", err
	}
	persistPath, err := config.StandalonePath()
	if err != nil {
		return config.Config{}, "", err
	}
	if err := flagCfg.Save(persistPath); err != nil {
		return config.Config{}, "", fmt.Errorf("persist effective config: %w", err)
	}
	return flagCfg, persistPath, nil
}

func newListModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-models",
		Short: "Print the downloadable model catalog and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			download.PrintCatalog(cmd.OutOrStdout())
		},
	}
}

func newDownloadModelsCmd() *cobra.Command {
	var destDir, kind, baseURL, logLevel string

	cmd := &cobra.Command{
		Use:   "download-models",
		Short: "Download models and class sidecars to a directory and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			log, err := logging.Setup(logLevel, "")
			if err != nil {
				return err
			}
			if destDir == "" {
				return fmt.Errorf("--download-model-path is required")
			}
			if kind != "" && kind != config.ModelTypeAnchor && kind != config.ModelTypeTransformer {
				return fmt.Errorf("--model-type %q must be anchor or transformer", kind)
			}
			return download.New(baseURL, log).DownloadAll(destDir, kind)
		},
	}

	cmd.Flags().StringVar(&destDir, "download-model-path", "", "directory to download models into")
	cmd.Flags().StringVar(&kind, "model-type", "", "restrict to one family: anchor or transformer")
	cmd.Flags().StringVar(&baseURL, "download-base-url", download.DefaultBaseURL, "model mirror base URL")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
