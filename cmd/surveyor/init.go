package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/surveyor/internal/mailer"
)

var (
	initLimeSurveyURL string
	initSurveyBaseURL string
	initSMTPHost      string
	initSender        string
	initDataDir       string
	initDKIMDomain    string
	initOutput        string
	initForce         bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter configuration file",
	Long: `Interactive wizard to create a Surveyor configuration file.

The generated file contains a disabled example campaign and an example
response collection. Enable them once the columns match your repository.

Examples:
  # Interactive mode - prompts for missing values
  surveyor init

  # Non-interactive, with a DKIM key for example.org
  surveyor init --limesurvey-url https://survey.example.org/index.php/admin/remotecontrol \
    --smtp-host smtp.example.org --sender study@example.org --dkim-domain example.org`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initLimeSurveyURL, "limesurvey-url", "", "LimeSurvey RemoteControl URL")
	initCmd.Flags().StringVar(&initSurveyBaseURL, "survey-base-url", "", "Base URL of participant survey links (default: derived from --limesurvey-url)")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP relay host")
	initCmd.Flags().StringVar(&initSender, "sender", "", "Sender address of invitations")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/surveyor", "Data directory for the repository and keys")
	initCmd.Flags().StringVar(&initDKIMDomain, "dkim-domain", "", "Generate a DKIM key for this domain")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Surveyor Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	if initLimeSurveyURL == "" {
		initLimeSurveyURL = prompt(reader, "LimeSurvey RemoteControl URL", "")
		if initLimeSurveyURL == "" {
			return fmt.Errorf("limesurvey url is required")
		}
	}
	if initSurveyBaseURL == "" {
		initSurveyBaseURL = prompt(reader, "Survey base URL", surveyBaseURL(initLimeSurveyURL))
	}
	if initSMTPHost == "" {
		initSMTPHost = prompt(reader, "SMTP host", "localhost")
	}
	if initSender == "" {
		initSender = prompt(reader, "Sender address", "")
		if initSender == "" {
			return fmt.Errorf("sender address is required")
		}
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	var dkimKeyPath string
	if initDKIMDomain != "" {
		key, err := mailer.GenerateDKIMKey(initDKIMDomain, "surveyor")
		if err != nil {
			return err
		}
		dkimKeyPath = filepath.Join(initDataDir, "dkim", initDKIMDomain+".key")
		if err := key.Save(dkimKeyPath); err != nil {
			return fmt.Errorf("failed to save DKIM key: %w", err)
		}
		record, err := key.DNSRecord()
		if err != nil {
			return err
		}
		fmt.Printf("  DKIM key saved to: %s\n\n", dkimKeyPath)
		printDKIMRecord(key.DNSName(), record)
		fmt.Println()
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(dkimKeyPath)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("Configuration saved to: %s\n\n", initOutput)

	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Put the LimeSurvey credentials into .env:")
	fmt.Println("   SURVEYOR_LIMESURVEY_USERNAME=...")
	fmt.Println("   SURVEYOR_LIMESURVEY_PASSWORD=...")
	fmt.Println()
	fmt.Println("2. Enrol a participant:")
	fmt.Printf("   surveyor -c %s repo set p001 ShortPseudonym.Intake SP001\n", initOutput)
	fmt.Printf("   surveyor -c %s repo set p001 Email participant@example.org\n", initOutput)
	fmt.Println()
	fmt.Println("3. Enable the intake campaign and try it:")
	fmt.Printf("   surveyor -c %s send --dry-run\n", initOutput)
	fmt.Println()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

// surveyBaseURL strips the RemoteControl path from the API URL.
func surveyBaseURL(apiURL string) string {
	if i := strings.Index(apiURL, "/index.php"); i > 0 {
		return apiURL[:i]
	}
	return strings.TrimSuffix(apiURL, "/")
}

func generateConfig(dkimKeyPath string) string {
	dkimSection := `  dkim:
    enabled: false`
	if dkimKeyPath != "" {
		dkimSection = fmt.Sprintf(`  dkim:
    enabled: true
    domain: "%s"
    selector: "surveyor"
    key_file: "%s"`, initDKIMDomain, dkimKeyPath)
	}

	return fmt.Sprintf(`# Surveyor configuration
# Generated by: surveyor init

logging:
  level: info
  format: json

repository:
  driver: bolt
  path: "%s"

limesurvey:
  # RemoteControl must be enabled with RPCInterface=json
  # (Global settings > Interfaces > JSON-RPC); XML-RPC is not supported
  url: "%s"
  # username and password come from SURVEYOR_LIMESURVEY_USERNAME and
  # SURVEYOR_LIMESURVEY_PASSWORD, a credentials_file, or an interactive prompt
  timeout: 60s
  max_retries: 3

smtp:
  host: "%s"
  port: 587
  sender: "%s"
%s

mail:
  cooldown: 100s

metrics:
  textfile_dir: ""
  env_prefix: ""

daemon:
  schedule: "0 8 * * *"

campaigns:
  intake:
    enabled: false
    repetition_type: once
    template_survey_ids: [100001]
    max_reminders: 1
    days_between_reminders: 7
    copy_survey: true
    sp_column: "ShortPseudonym.Intake"
    email_column: "Email"
    name_column: "Name"
    emails_sent_column: "EmailsSent"
    survey_ids_column: "SurveyIDs"
    conditions:
      - column: "Intake.Response"
        condition: is_empty
    survey_base_url: "%s"
    email_subject: "Your questionnaire"
    email_template: |
      Dear {{.recipient_name}},

      please fill in the questionnaire: {{.survey_link}}

collect:
  intake:
    enabled: false
    sp_column: "ShortPseudonym.Intake"
    survey_ids_column: "SurveyIDs"
    document_type: json
    language_code: en
    survey_column: "Intake.Response"
`,
		filepath.Join(initDataDir, "participants.db"),
		initLimeSurveyURL,
		initSMTPHost,
		initSender,
		dkimSection,
		initSurveyBaseURL,
	)
}
