package cli

import (
	"github.com/spf13/cobra"

	"docpipe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect service configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check configuration against the service's rules",
	Long: `Validates a configuration file without starting the service. With no
argument the environment is validated the way the service would load it,
including the file named by CONFIG_FILE.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		if _, err := config.LoadServiceConfig(); err != nil {
			return err
		}
		cmd.Println("configuration valid")
		return nil
	}

	cfg := config.Default()
	if err := cfg.LoadFile(args[0]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cmd.Printf("%s: configuration valid\n", args[0])
	return nil
}
