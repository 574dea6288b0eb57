package extract

import (
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal"
	"github.com/vrx-tools/vrxetl/internal/archiver"
	"github.com/vrx-tools/vrxetl/internal/config"
	"github.com/vrx-tools/vrxetl/internal/extractor"
	"github.com/vrx-tools/vrxetl/internal/local"
	"github.com/vrx-tools/vrxetl/internal/s3"
	"github.com/vrx-tools/vrxetl/internal/vicarius"
)

// NewCommand builds the extract subcommand. It runs one full extraction
// against the dashboard API and regenerates the report files. The serve
// command spawns this as a child process; progress lines go to stdout so
// the parent can stream them.
func NewCommand() *cobra.Command {
	var (
		configPath string
		apiKey     string
		dashboard  string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Runs one extraction against the vRx dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := config.NewFromFile(configPath)
			if err != nil {
				return err
			}

			logger := c.Global.Logger.Build()
			defer logger.Sync()
			l := logger.Named("extract")

			if apiKey != "" {
				c.Vicarius.APIKey = apiKey
			}
			if dashboard != "" {
				c.Vicarius.DashboardURL = dashboard
			}
			if c.Vicarius.APIKey == "" || c.Vicarius.DashboardURL == "" {
				return fmt.Errorf("vicarius api_key and dashboard_url are required")
			}

			client := vicarius.NewClient(
				c.Vicarius.DashboardURL,
				c.Vicarius.APIKey,
				vicarius.WithLogger(l),
				vicarius.WithRateBudget(c.Vicarius.RateBudget),
				vicarius.WithTimeout(c.Vicarius.RequestTimeout),
			)

			store := extractor.NewStateStore(c.Extraction.StatePath, l)

			driver := extractor.NewDriver(
				client,
				store,
				c.Extraction.ReportsDir,
				extractor.WithLogger(l),
				extractor.WithPageSize(c.Vicarius.PageSize),
				extractor.WithIncidentPageSize(c.Vicarius.IncidentPageSize),
				extractor.WithProgress(func(line string) {
					fmt.Println(line)
				}),
			)

			result := driver.RunAll(ctx)
			for _, er := range result.Entities {
				l.Info("entity extracted",
					zap.String("entity", er.Entity),
					zap.Int("rows", er.RowsWritten))
			}
			if result.Err != nil {
				return result.Err
			}

			if c.Archive.Type == "" {
				return nil
			}

			repo, err := newRepository(c, l)
			if err != nil {
				return err
			}
			a := archiver.New(
				archiver.WithLogger(l),
				archiver.WithRepository(repo),
				archiver.WithReportsDir(c.Extraction.ReportsDir),
			)
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Override the configured API key")
	cmd.Flags().StringVar(&dashboard, "dashboard", "", "Override the configured dashboard URL")
	cmd.MarkFlagRequired("config")

	return cmd
}

func newRepository(c *config.Config, l *zap.Logger) (internal.Repository, error) {
	sid := uuid.NewString()

	switch c.Archive.Type {
	case "local":
		return local.New(
			c.Archive.Local.Path,
			local.WithPrefix(sid),
			local.WithLogger(l),
		), nil
	case "s3":
		return s3.New(
			s3.WithLogger(l),
			s3.WithRegion(c.Archive.S3.Region),
			s3.WithBucket(c.Archive.S3.Bucket),
			s3.WithEndpoint(c.Archive.S3.Endpoint),
			s3.WithPrefix(path.Join(c.Archive.S3.Prefix, sid)),
			s3.WithForcePathStyle(c.Archive.S3.ForcePathStyle),
		)
	default:
		return nil, fmt.Errorf("unknown archive type: %q", c.Archive.Type)
	}
}
