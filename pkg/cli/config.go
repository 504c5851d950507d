package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCommand(loadConfig configLoader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (secrets omitted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return writeFormatted(cmd.OutOrStdout(), "yaml", cfg)
		},
	}
	configCmd.AddCommand(showCmd)
	return configCmd
}
