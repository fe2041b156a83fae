package cmd

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"civiclake/internal/config"
	"civiclake/pkg/models"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive configuration setup",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("Setting up CivicLake...")
	fmt.Println()

	if _, err := os.Stat(config.File()); err == nil {
		var overwrite bool
		prompt := &survey.Confirm{
			Message: "Configuration already exists. Overwrite it?",
			Default: false,
		}
		if err := survey.AskOne(prompt, &overwrite); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Setup cancelled.")
			return nil
		}
	}

	cfg := starterConfig()

	fmt.Println("Object storage")
	fmt.Println("--------------")
	var backend string
	if err := survey.AskOne(&survey.Select{
		Message: "Storage backend:",
		Options: []string{"local", "minio"},
		Default: "local",
	}, &backend); err != nil {
		return err
	}
	cfg.Storage.Backend = backend

	if backend == "minio" {
		questions := []*survey.Question{
			{
				Name:     "endpoint",
				Prompt:   &survey.Input{Message: "Endpoint (host:port):", Default: "localhost:9000"},
				Validate: survey.Required,
			},
			{
				Name:     "bucket",
				Prompt:   &survey.Input{Message: "Bucket:", Default: "civiclake"},
				Validate: survey.Required,
			},
			{
				Name:     "accesskey",
				Prompt:   &survey.Input{Message: "Access key:"},
				Validate: survey.Required,
			},
		}
		answers := struct {
			Endpoint  string
			Bucket    string
			AccessKey string `survey:"accesskey"`
		}{}
		if err := survey.Ask(questions, &answers); err != nil {
			return err
		}
		cfg.Storage.Endpoint = answers.Endpoint
		cfg.Storage.Bucket = answers.Bucket
		cfg.Storage.AccessKey = answers.AccessKey

		var secret string
		if err := survey.AskOne(&survey.Password{Message: "Secret key:"}, &secret); err != nil {
			return err
		}

		var useKeyring bool
		if err := survey.AskOne(&survey.Confirm{
			Message: "Store the secret in the OS keyring instead of the config file?",
			Default: true,
		}, &useKeyring); err != nil {
			return err
		}
		if useKeyring {
			if err := config.StoreStorageSecret(answers.AccessKey, secret); err != nil {
				return err
			}
			cfg.Storage.UseKeyring = true
		} else {
			cfg.Storage.SecretKey = secret
		}

		if err := survey.AskOne(&survey.Confirm{Message: "Use TLS?", Default: false}, &cfg.Storage.UseSSL); err != nil {
			return err
		}
	}

	if err := config.Save(cfg); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s\n", config.File())
	fmt.Println("It includes a starter financial-disclosure source and the dim_members")
	fmt.Println("dimension; edit the sources, dimensions, and thresholds to match your")
	fmt.Println("feeds, then start a run with: civiclake run")
	return nil
}

// starterConfig is the worked example the wizard writes: one disclosure
// feed, the member dimension it maintains, a trades fact, and an aggregate.
func starterConfig() *models.Config {
	return &models.Config{
		Sources: []models.Source{
			{
				Name:           "financial",
				BronzeTable:    "financial_filings",
				SilverTable:    "financial_filings_clean",
				WatermarkType:  "filing_date",
				IncomingPrefix: "incoming/financial/",
			},
		},
		Dimensions: []models.Dimension{
			{
				Name:              "dim_members",
				Source:            "financial_filings_clean",
				NaturalKey:        "member_id",
				TrackedAttributes: []string{"party", "district", "committees"},
				ObservedAtField:   "filing_date",
				Quality: models.Thresholds{
					MinRows:          1,
					MaxStalenessDays: 45,
					MinNonNullRatio:  0.99,
					KeyColumns:       []string{"member_id"},
				},
			},
		},
		Facts: []models.Fact{
			{
				Name:    "fact_trades",
				Source:  "financial_filings_clean",
				Quality: models.Thresholds{MinRows: 1},
			},
		},
		Aggregates: []models.Aggregate{
			{
				Name: "agg_trades_by_party",
				SQL: "SELECT m.party, count(*) AS trades FROM fact_trades t " +
					"JOIN dim_members m ON t.member_id = m.natural_key AND m.is_current " +
					"GROUP BY m.party ORDER BY m.party",
			},
		},
		Pipeline: models.Pipeline{
			MaxConcurrency:    10,
			Timeout:           "2h",
			MaxRetries:        3,
			InitialBackoff:    "2s",
			BackoffMultiplier: 2,
		},
	}
}
