package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "actflow",
	Short:         "Batch orchestrator for Runway Act-Two character performances",
	Long:          "actflow drives batches of image + driver-video generation requests through the Runway Act-Two API: rate-limited submission, polling, retries and asset download, with every job persisted so an interrupted batch resumes where it stopped.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPurgeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "actflow: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, "["+prefix+"] ", log.LstdFlags|log.Lmsgprefix)
}
