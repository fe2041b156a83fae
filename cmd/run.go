package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"civiclake/internal/config"
	"civiclake/internal/engine"
	"civiclake/internal/notify"
	"civiclake/internal/observability"
	"civiclake/internal/pipeline"
	"civiclake/internal/quality"
	"civiclake/internal/storage"
	"civiclake/internal/watermark"
	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

var (
	runFullRebuild bool
	runDryRun      bool
)

var runCmd = &cobra.Command{
	Use:   "run [table]",
	Short: "Run the update pipeline",
	Long: `Run the incremental update pipeline: ingest pending disclosure documents,
normalize them, rebuild the dimension and fact tables, and gate the outputs
on the configured quality thresholds. With a table argument only that gold
table and its source are processed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Sources) == 0 {
			return errors.New(errors.ErrCodeConfigMissing, "No sources configured").
				WithSuggestions("Run: civiclake setup")
		}

		opts := pipeline.RunOptions{FullRebuild: runFullRebuild, DryRun: runDryRun}
		if len(args) == 1 {
			opts.Table = args[0]
		}

		svc, cleanup, err := buildService(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		report, runErr := svc.Run(cmd.Context(), opts)
		if report != nil {
			printRunReport(report)
		}
		return runErr
	},
}

func init() {
	// Table output is for people; keep piped output plain.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	runCmd.Flags().BoolVar(&runFullRebuild, "full-rebuild", false,
		"reprocess everything from the epoch instead of the stored watermarks")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false,
		"compute and gate without writing tables or advancing watermarks")
	rootCmd.AddCommand(runCmd)
}

// buildService wires the pipeline against the configured backends. The
// returned cleanup closes the watermark keystore and the analytic engine.
func buildService(ctx context.Context, cfg *models.Config) (*pipeline.Service, func(), error) {
	log := observability.Default()

	var (
		store storage.ObjectStore
		s3    *engine.S3Config
		err   error
	)
	switch cfg.Storage.Backend {
	case "minio":
		secret, serr := config.StorageSecret(cfg.Storage)
		if serr != nil {
			return nil, nil, serr
		}
		store, err = storage.NewMinioStore(ctx, cfg.Storage, secret)
		s3 = &engine.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: secret,
			Region:    cfg.Storage.Region,
			UseSSL:    cfg.Storage.UseSSL,
		}
	default:
		store, err = storage.NewLocalStore(cfg.Storage.LocalPath)
	}
	if err != nil {
		return nil, nil, err
	}

	marks, err := watermark.OpenSQLite(cfg.Keystore.Path)
	if err != nil {
		return nil, nil, err
	}

	eng := engine.NewEngine(s3)
	notifier := buildNotifier(cfg.Notifications)
	metrics := pipeline.NewMetricsPublisher(cfg.Metrics)

	svc := pipeline.NewService(cfg, store, marks, notifier, eng, metrics, log)
	cleanup := func() {
		_ = eng.Close()
		_ = marks.Close()
	}
	return svc, cleanup, nil
}

func buildNotifier(cfg models.Notifications) notify.Notifier {
	var sinks notify.Multi
	if cfg.Webhook.URL != "" {
		if wh, err := notify.NewWebhook(cfg.Webhook); err == nil {
			sinks = append(sinks, wh)
		}
	}
	if cfg.Slack.WebhookURL != "" {
		if sl, err := notify.NewSlack(cfg.Slack); err == nil {
			sinks = append(sinks, sl)
		}
	}
	if len(sinks) == 0 {
		return notify.Noop{}
	}
	return sinks
}

func printRunReport(report *pipeline.RunReport) {
	header := color.New(color.Bold)
	switch {
	case report.Terminal == "NoUpdates":
		header.Println("No updates since the last run")
	case report.Succeeded():
		header.Println(color.GreenString("Pipeline succeeded"))
	default:
		header.Println(color.RedString("Pipeline failed"))
	}
	fmt.Printf("run %s  duration %s  verdict %s%s\n\n",
		report.RunID, report.Duration.Round(time.Millisecond), verdictString(report.Verdict), dryRunSuffix(report))

	if len(report.Tables) == 0 {
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Table", "Incoming", "New", "Changed", "Skipped", "Rows", "Verdict"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, t := range report.Tables {
		verdict := verdictString(t.Verdict)
		if t.NoOp {
			verdict += " (no-op)"
		}
		table.Append([]string{
			t.Table,
			fmt.Sprint(t.Stats.Incoming),
			fmt.Sprint(t.Stats.NewEntities),
			fmt.Sprint(t.Stats.ChangedEntities),
			fmt.Sprint(t.Stats.Skipped),
			fmt.Sprint(t.RowsTotal),
			verdict,
		})
	}
	table.Render()

	for _, t := range report.Tables {
		for _, breach := range t.Breaches {
			fmt.Printf("  %s %s: %s\n", color.YellowString("breach"), t.Table, breach)
		}
	}
	for _, mark := range report.Advanced {
		fmt.Printf("  watermark %s/%s -> %s (%d rows)\n",
			mark.Table, mark.Kind, mark.Value.Format("2006-01-02"), mark.Rows)
	}
	if len(report.Aggregates) > 0 {
		names := make([]string, 0, len(report.Aggregates))
		for name := range report.Aggregates {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("  aggregates: %s\n", strings.Join(names, ", "))
	}
}

func verdictString(v quality.Verdict) string {
	switch v {
	case quality.VerdictPass:
		return color.GreenString("pass")
	case quality.VerdictWarn:
		return color.YellowString("warn")
	case quality.VerdictFail:
		return color.RedString("fail")
	default:
		return string(v)
	}
}

func dryRunSuffix(report *pipeline.RunReport) string {
	if report.DryRun {
		return "  (dry run)"
	}
	return ""
}
