package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/surveyor/internal/dnscheck"
	"github.com/foxzi/surveyor/internal/mailer"
)

var dnsTimeout time.Duration

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SPF, DMARC and DKIM records of the sender domain",
	Long: `Check the DNS records of the configured sender domain. When DKIM signing is
enabled, the published key must match smtp.dkim.key_file.`,
	Args: cobra.NoArgs,
	RunE: runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().DurationVar(&dnsTimeout, "timeout", 10*time.Second, "Lookup timeout")
	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := dnscheck.Options{Domain: dnscheck.SenderDomain(cfg.SMTP.Sender)}
	if cfg.SMTP.DKIM.Enabled {
		record, err := mailer.DKIMRecordForFile(cfg.SMTP.DKIM.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to read DKIM key: %w", err)
		}
		opts.Domain = cfg.SMTP.DKIM.Domain
		opts.DKIMSelector = cfg.SMTP.DKIM.Selector
		opts.DKIMRecord = record
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), dnsTimeout)
	defer cancel()

	results, err := dnscheck.New(nil).Check(ctx, opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tNAME\tSTATUS\tMESSAGE")
	failed := 0
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Type, r.Name, r.Status, r.Message)
		if r.Status == dnscheck.StatusError || r.Status == dnscheck.StatusNotFound {
			failed++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d DNS check(s) failed", failed)
	}
	return nil
}
