package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/surveyor/internal/config"
	"github.com/foxzi/surveyor/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Send history commands",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <participant_id>",
	Short: "Show allocated surveys and recorded sends of a participant",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

func init() {
	ledgerCmd.AddCommand(ledgerShowCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// ledgerRow is one allocated or sent survey of a participant.
type ledgerRow struct {
	SurveyType string
	Position   string
	SurveyID   string
	Sends      []string
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
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

	rows, err := ledgerRows(cfg, cols)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No surveys allocated or sent")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SURVEY TYPE\tPOSITION\tSURVEY ID\tSENDS")
	for _, r := range rows {
		sends := "-"
		if len(r.Sends) > 0 {
			sends = fmt.Sprintf("%d (last %s)", len(r.Sends), r.Sends[len(r.Sends)-1])
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.SurveyType, r.Position, r.SurveyID, sends)
	}
	return w.Flush()
}

// ledgerRows decodes the history and survey-id columns of every campaign.
func ledgerRows(cfg *config.Config, cols map[string]string) ([]ledgerRow, error) {
	var rows []ledgerRow

	names := make([]string, 0, len(cfg.Campaigns))
	for name := range cfg.Campaigns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cc := cfg.Campaigns[name]
		if cc == nil {
			continue
		}
		ids, err := ledger.ParseSurveyIDs(cols[cc.SurveyIDsColumn])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cc.SurveyIDsColumn, err)
		}
		history, err := ledger.ParseHistory(cols[cc.HistoryColumn])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cc.HistoryColumn, err)
		}

		allocated := ids.Allocated(name)
		positions := make([]int, 0, len(allocated))
		for pos := range allocated {
			positions = append(positions, pos)
		}
		sort.Ints(positions)

		listed := make(map[int]bool)
		for _, pos := range positions {
			id := allocated[pos]
			listed[id] = true
			rows = append(rows, ledgerRow{
				SurveyType: name,
				Position:   strconv.Itoa(pos),
				SurveyID:   strconv.Itoa(id),
				Sends:      history.SurveyTypes[name][strconv.Itoa(id)],
			})
		}

		// Sends of surveys that are not (or no longer) allocated, e.g. template ids.
		var extra []string
		for id := range history.SurveyTypes[name] {
			n, err := strconv.Atoi(id)
			if err == nil && listed[n] {
				continue
			}
			extra = append(extra, id)
		}
		sort.Strings(extra)
		for _, id := range extra {
			rows = append(rows, ledgerRow{
				SurveyType: name,
				Position:   "-",
				SurveyID:   id,
				Sends:      history.SurveyTypes[name][id],
			})
		}
	}
	return rows, nil
}
