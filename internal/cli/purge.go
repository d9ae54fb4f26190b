package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every persisted job record",
		Long:  "Deletes all job records from the configured store. Downloaded assets on disk are left alone.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to purge without --yes")
			}

			jobStore, closeStore, err := openStoreFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if err := jobStore.Purge(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("job store purged")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm deletion of all job records")
	return cmd
}

func envOr(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}
