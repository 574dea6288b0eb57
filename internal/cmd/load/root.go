package load

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vrx-tools/vrxetl/internal/config"
	"github.com/vrx-tools/vrxetl/internal/coordinator"
)

// NewCommand builds the load subcommand. It refreshes the database tables
// from the report files produced by a previous extract run.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Loads the report files into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.NewFromFile(configPath)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}

			logger := c.Global.Logger.Build()
			defer logger.Sync()

			refresh := &coordinator.DatabaseRefresh{
				DatabaseURL: c.Database.URL,
				ReportsDir:  c.Extraction.ReportsDir,
				Logger:      logger.Named("load"),
			}
			return refresh.LoadAll(cmd.Context(), func(line string) {
				fmt.Println(line)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.MarkFlagRequired("config")

	return cmd
}
