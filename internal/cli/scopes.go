package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"docpipe/internal/scope"
	"docpipe/internal/workflow"
)

var (
	scopesMode       string
	scopesJobType    string
	scopesWorkflowID string
)

var scopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "Print the permission set an integration mode requires",
	Long: `Computes the minimal grants a deployment needs for the chosen
integration mode and prints them as JSON.

Every mode may start the target job type. The subworkflow mode
additionally describes and stops nested executions and manages the
completion poll rule, both scoped to the given workflow identifier.`,
	RunE: runScopes,
}

func init() {
	scopesCmd.Flags().StringVar(&scopesMode, "mode", string(workflow.ModeCallback),
		"integration mode: fire-and-forget, subworkflow, or callback")
	scopesCmd.Flags().StringVar(&scopesJobType, "job-type", "",
		"provider job type the deployment starts")
	scopesCmd.Flags().StringVar(&scopesWorkflowID, "workflow-id", "",
		"workflow identifier (required for subworkflow mode)")
	_ = scopesCmd.MarkFlagRequired("job-type")
	rootCmd.AddCommand(scopesCmd)
}

func runScopes(cmd *cobra.Command, _ []string) error {
	mode, err := workflow.ParseMode(scopesMode)
	if err != nil {
		return err
	}

	ps, err := scope.ForMode(mode, scope.Target{
		JobType:    scopesJobType,
		WorkflowID: scopesWorkflowID,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
