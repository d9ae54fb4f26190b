package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/manifest"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		manifestPath string
		imagesDir    string
		driverVideo  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue a batch and drive it to completion",
		Long:  "Enqueues generation requests from a YAML manifest, or from every image in a directory paired with one driver video, then submits, polls and downloads until the batch settles.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			requests, err := collectRequests(manifestPath, imagesDir, driverVideo)
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), requests)
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "path to the batch manifest YAML")
	cmd.Flags().StringVarP(&imagesDir, "images-dir", "d", "", "directory of character images to enqueue")
	cmd.Flags().StringVar(&driverVideo, "driver-video", "", "driver video used with --images-dir")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the persisted batch without enqueueing new jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd.Context(), nil)
		},
	}
}

func collectRequests(manifestPath, imagesDir, driverVideo string) ([]domain.GenerationRequest, error) {
	switch {
	case manifestPath != "" && imagesDir != "":
		return nil, fmt.Errorf("--manifest and --images-dir are mutually exclusive")
	case manifestPath != "":
		return manifest.Load(manifestPath)
	case imagesDir != "":
		if driverVideo == "" {
			return nil, fmt.Errorf("--images-dir requires --driver-video")
		}
		return scanImages(imagesDir, driverVideo)
	default:
		return nil, fmt.Errorf("either --manifest or --images-dir is required")
	}
}

// scanImages enqueues every supported image in the directory against a
// single driver video, with default generation settings.
func scanImages(dir, driverVideo string) ([]domain.GenerationRequest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read images directory: %w", err)
	}

	var requests []domain.GenerationRequest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg", ".webp":
		default:
			continue
		}
		requests = append(requests, domain.GenerationRequest{
			CharacterImagePath:  filepath.Join(dir, entry.Name()),
			DriverVideoPath:     driverVideo,
			RatioMode:           domain.RatioModeSmart,
			ExpressionIntensity: 3,
			Model:               domain.ModelActTwo,
		})
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CharacterImagePath < requests[j].CharacterImagePath
	})
	return requests, nil
}

func runBatch(parent context.Context, requests []domain.GenerationRequest) error {
	logger := newLogger("actflow")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, logger)
	if err != nil {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer rt.close(shutdownCtx)

	if len(requests) > 0 {
		if _, err := rt.manager.Enqueue(ctx, requests); err != nil {
			return err
		}
	}

	stopStatus := rt.startStatusServer(ctx)
	defer func() { _ = stopStatus(shutdownCtx) }()

	summary, err := rt.manager.Run(ctx)
	if err != nil && ctx.Err() != nil {
		logger.Printf("batch interrupted; state persisted, rerun `actflow resume` to continue")
		return nil
	}
	if err != nil {
		return err
	}

	logger.Printf(
		"summary downloaded=%d failed_permanent=%d duplicates=%d",
		summary.Downloaded, summary.FailedPermanent, summary.Duplicates,
	)
	return nil
}
