package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/surveyor/internal/config"
	"github.com/foxzi/surveyor/internal/repository"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Participant repository commands",
}

var repoGetCmd = &cobra.Command{
	Use:   "get <participant_id>",
	Short: "Show all columns of a participant",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoGet,
}

var repoSetCmd = &cobra.Command{
	Use:   "set <participant_id> <column> <value>",
	Short: "Set a column of a participant",
	Long: `Set a column of a participant, creating the participant if needed.
Use it to enrol participants: assign a short pseudonym and an email address.`,
	Args: cobra.ExactArgs(3),
	RunE: runRepoSet,
}

func init() {
	repoCmd.AddCommand(repoGetCmd, repoSetCmd)
	rootCmd.AddCommand(repoCmd)
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	store, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Repository.Driver,
		Path:             cfg.Repository.Path,
		DSN:              cfg.Repository.DSN,
		PseudonymColumns: cfg.Repository.PseudonymColumns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return store, nil
}

func runRepoGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cols, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get participant: %w", err)
	}
	if len(cols) == 0 {
		fmt.Printf("Participant %s has no data\n", args[0])
		return nil
	}

	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tVALUE")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, truncate(cols[name], 80))
	}
	return w.Flush()
}

func runRepoSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Put(cmd.Context(), args[0], args[1], args[2]); err != nil {
		return fmt.Errorf("failed to set column: %w", err)
	}
	fmt.Printf("Set %s for participant %s\n", args[1], args[0])
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
