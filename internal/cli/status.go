package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dunamismax/actflow/internal/config"
	"github.com/dunamismax/actflow/internal/domain"
	"github.com/dunamismax/actflow/internal/store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted batch state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showStatus(cmd.Context(), verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every job, not just the counts")
	return cmd
}

func showStatus(ctx context.Context, verbose bool) error {
	jobStore, closeStore, err := openStoreFromEnv(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	jobs, err := jobStore.ListByState(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs recorded")
		return nil
	}

	counts := make(map[string]int)
	for _, job := range jobs {
		counts[job.State]++
	}

	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)

	fmt.Printf("jobs: %d\n", len(jobs))
	for _, state := range states {
		fmt.Printf("  %-18s %d\n", state, counts[state])
	}

	if !verbose {
		return nil
	}

	fmt.Println()
	for _, job := range jobs {
		line := fmt.Sprintf("%s  %-18s attempt=%d  %s", job.ID, job.State, job.Attempt, job.Request.CharacterImagePath)
		switch job.State {
		case domain.JobStateDownloaded:
			line += "  -> " + job.AssetLocation
		case domain.JobStateFailedPermanent, domain.JobStateFailedRetryable:
			line += "  error: " + job.LastError
		}
		fmt.Println(line)
	}
	return nil
}

// openStoreFromEnv builds just the job store, for commands that do not
// need the full batch runtime.
func openStoreFromEnv(ctx context.Context) (store.JobStore, func(), error) {
	cfg := struct {
		Backend string
		Path    string
		DSN     string
	}{
		Backend: "file",
		Path:    "./actflow-jobs.json",
	}
	if loaded, err := config.Load(); err == nil {
		cfg.Backend = loaded.Store.Backend
		cfg.Path = loaded.Store.Path
		cfg.DSN = loaded.Store.DSN
	} else {
		// Status and purge should work without a full runtime config
		// (e.g. no API key exported); fall back to store env vars only.
		cfg.Backend = envOr("ACTFLOW_STORE", cfg.Backend)
		cfg.Path = envOr("ACTFLOW_STORE_PATH", cfg.Path)
		cfg.DSN = envOr("POSTGRES_DSN", "")
	}

	switch cfg.Backend {
	case "memory":
		return store.NewMemoryJobStore(), func() {}, nil
	case "file":
		s, err := store.NewFileJobStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := store.NewPostgresJobStore(openCtx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend: %q", cfg.Backend)
	}
}
