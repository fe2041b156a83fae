package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"civiclake/internal/watermark"
)

var watermarkCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Inspect and manage stored watermarks",
}

var watermarkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored watermarks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		marks, err := watermark.OpenSQLite(cfg.Keystore.Path)
		if err != nil {
			return err
		}
		defer marks.Close()

		records, err := marks.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No watermarks stored; the next run reprocesses everything.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Table", "Type", "Value", "Last Run", "Status", "Rows"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		for _, rec := range records {
			table.Append([]string{
				rec.TableName,
				rec.WatermarkType,
				rec.LastProcessedValue.Format("2006-01-02"),
				rec.LastProcessedAt.Format("2006-01-02 15:04:05"),
				rec.LastRunStatus,
				fmt.Sprint(rec.RowsProcessed),
			})
		}
		table.Render()
		return nil
	},
}

var watermarkResetCmd = &cobra.Command{
	Use:   "reset <table> <type>",
	Short: "Delete a watermark so the next run reprocesses from the epoch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		marks, err := watermark.OpenSQLite(cfg.Keystore.Path)
		if err != nil {
			return err
		}
		defer marks.Close()

		if err := marks.Delete(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Watermark %s/%s reset; the next run starts at %s.\n",
			args[0], args[1], watermark.Epoch.Format("2006-01-02"))
		return nil
	},
}

func init() {
	watermarkCmd.AddCommand(watermarkListCmd)
	watermarkCmd.AddCommand(watermarkResetCmd)
	rootCmd.AddCommand(watermarkCmd)
}
