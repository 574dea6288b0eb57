package schema

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vrx-tools/vrxetl/internal/parquet"
)

type fieldConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	ConvertedType  string `yaml:"converted_type,omitempty"`
	RepetitionType string `yaml:"repetition_type,omitempty"`
}

func newGenerateCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "generate",
		Short: "Generates a parquet schema from a create table statement",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewDevelopment()
			l := logger.Named("schema.generate")

			query := viper.GetString("query")
			l.Info("generating schema", zap.String("db", viper.GetString("db")))

			switch viper.GetString("db") {
			case "postgres":
				s, err := parquet.DDLToSchema(query)
				if err != nil {
					return err
				}

				fields := make([]fieldConfig, len(s))
				for i, f := range s {
					fields[i] = fieldConfig{
						Name:           f.Name,
						Type:           f.Type,
						ConvertedType:  f.ConvertedType,
						RepetitionType: f.RepetitionType,
					}
				}

				bs, err := yaml.Marshal(fields)
				if err != nil {
					return err
				}

				fmt.Println(string(bs))
			default:
				return fmt.Errorf("unsupported database: %q", viper.GetString("db"))
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringP("db", "", "postgres", "The database the create table statement is from")
	cmd.PersistentFlags().StringP("query", "q", "", "The create table statement to parse")
	viper.BindPFlag("db", cmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("query", cmd.PersistentFlags().Lookup("query"))
	viper.AutomaticEnv()
	viper.SetEnvPrefix("VRXETL")
	return cmd
}
