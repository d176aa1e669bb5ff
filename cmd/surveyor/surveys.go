package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var surveysCmd = &cobra.Command{
	Use:   "surveys",
	Short: "LimeSurvey commands",
}

var surveysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the surveys visible to the configured user",
	Args:  cobra.NoArgs,
	RunE:  runSurveysList,
}

func init() {
	surveysCmd.AddCommand(surveysListCmd)
	rootCmd.AddCommand(surveysCmd)
}

func runSurveysList(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	client, err := application.Surveys(ctx)
	if err != nil {
		return err
	}
	surveys, err := client.ListSurveys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list surveys: %w", err)
	}
	if len(surveys) == 0 {
		fmt.Println("No surveys found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTIVE\tEXPIRES\tTITLE")
	for _, s := range surveys {
		expires := "-"
		if s.Expiry != nil {
			expires = *s.Expiry
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.SID, s.Active, expires, truncate(s.Title, 50))
	}
	return w.Flush()
}
