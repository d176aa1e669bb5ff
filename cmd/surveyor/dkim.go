package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/surveyor/internal/mailer"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key and print its DNS record",
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the DNS record for an existing DKIM key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "surveyor", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "surveyor", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := mailer.GenerateDKIMKey(dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	keyPath := filepath.Join(dkimOutDir, dkimDomain+".key")
	if err := key.Save(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	record, err := key.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printDKIMRecord(key.DNSName(), record)
	fmt.Printf("\nConfigure smtp.dkim with domain %s, selector %s and key_file %s\n", dkimDomain, dkimSelector, keyPath)
	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	record, err := mailer.DKIMRecordForFile(dkimKeyFile)
	if err != nil {
		return err
	}
	printDKIMRecord(fmt.Sprintf("%s._domainkey.%s", dkimSelector, dkimDomain), record)
	return nil
}

func printDKIMRecord(name, value string) {
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", name)
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", value)
}
