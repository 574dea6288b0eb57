package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vrx-tools/vrxetl/internal/cmd/extract"
	"github.com/vrx-tools/vrxetl/internal/cmd/load"
	"github.com/vrx-tools/vrxetl/internal/cmd/schema"
	"github.com/vrx-tools/vrxetl/internal/cmd/serve"
)

func NewRootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "vrxetl",
		Short: "Incremental extraction and loading for vRx vulnerability data",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.AddCommand(extract.NewCommand())
	cmd.AddCommand(load.NewCommand())
	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(schema.NewCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
