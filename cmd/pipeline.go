package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"civiclake/internal/pipeline"
)

var pipelineTable string

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Export the pipeline definition as JSON",
	Long: `Print the declarative state-machine definition the run command executes.
The JSON is consumable by a managed workflow orchestrator, so the same
definition can run in-process or hosted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc := pipeline.NewService(cfg, nil, nil, nil, nil, nil, nil)
		def, err := svc.Definition(pipelineTable)
		if err != nil {
			return err
		}
		data, err := def.MarshalIndent()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	pipelineCmd.Flags().StringVar(&pipelineTable, "table", "", "limit the definition to one gold table")
	rootCmd.AddCommand(pipelineCmd)
}
