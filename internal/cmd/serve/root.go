package serve

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/config"
	"github.com/vrx-tools/vrxetl/internal/coordinator"
	"github.com/vrx-tools/vrxetl/internal/server"
)

// configHolder makes the active configuration swappable so file edits
// take effect on the next run without a restart.
type configHolder struct {
	mu   sync.RWMutex
	path string
	cfg  *config.Config
}

func (h *configHolder) get() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *configHolder) reload() error {
	c, err := config.NewFromFile(h.path)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = c
	h.mu.Unlock()
	return nil
}

// dynamicRunner builds the extraction subprocess from the active
// configuration at run time.
type dynamicRunner struct {
	holder *configHolder
	logger *zap.Logger
}

func (r *dynamicRunner) Run(ctx context.Context, logf func(line string)) error {
	if err := r.holder.reload(); err != nil {
		r.logger.Warn("config re-read failed, keeping previous", zap.Error(err))
	}
	c := r.holder.get()

	command := c.Extraction.Command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		command = []string{exe, "extract", "--config", r.holder.path}
	}

	pr := &coordinator.ProcessRunner{
		Command: command,
		Args: []string{
			"--api-key", c.Vicarius.APIKey,
			"--dashboard", c.Vicarius.DashboardURL,
		},
		Logger: r.logger,
	}
	return pr.Run(ctx, logf)
}

// dynamicLoader builds the database refresh from the active configuration
// at run time.
type dynamicLoader struct {
	holder *configHolder
	logger *zap.Logger
}

func (l *dynamicLoader) LoadAll(ctx context.Context, logf func(line string)) error {
	c := l.holder.get()
	refresh := &coordinator.DatabaseRefresh{
		DatabaseURL: c.Database.URL,
		ReportsDir:  c.Extraction.ReportsDir,
		Logger:      l.logger,
	}
	return refresh.LoadAll(ctx, logf)
}

// NewCommand builds the serve subcommand: the HTTP control plane that
// starts runs, streams their logs and refreshes the database.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the extraction control plane over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			holder := &configHolder{path: configPath}
			if err := holder.reload(); err != nil {
				return err
			}
			c := holder.get()

			logger := c.Global.Logger.Build()
			defer logger.Sync()
			l := logger.Named("serve")

			loader := &dynamicLoader{holder: holder, logger: l.Named("load")}
			coord := coordinator.New(
				&dynamicRunner{holder: holder, logger: l},
				loader,
				coordinator.WithLogger(l),
				coordinator.WithTimeout(c.Extraction.Timeout),
				coordinator.WithMaskedValues(c.Vicarius.APIKey, c.Vicarius.DashboardURL),
			)

			srv := server.New(
				coord,
				server.WithLogger(l),
				server.WithReportLoader(loader),
				server.WithReportsDir(c.Extraction.ReportsDir),
				server.WithHealthCheck(func(ctx context.Context) error {
					conn, err := pgx.Connect(ctx, holder.get().Database.URL)
					if err != nil {
						return err
					}
					defer conn.Close(context.Background())
					return conn.Ping(ctx)
				}),
			)

			r := chi.NewRouter()
			srv.RegisterRoutes(r)

			l.Info("listening", zap.String("addr", c.Server.ListenAddr))
			return http.ListenAndServe(c.Server.ListenAddr, r)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.MarkFlagRequired("config")

	return cmd
}
