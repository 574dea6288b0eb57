package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/extractor"
	"github.com/vrx-tools/vrxetl/internal/loader"
)

// DatabaseRefresh loads the cleaned report files into Postgres after a
// successful extraction. Tables refresh in a fixed order; a report that
// is absent on disk is skipped with a log line, while the first table
// that fails to load fails the run, since downstream tables reference
// the earlier ones.
type DatabaseRefresh struct {
	DatabaseURL string
	ReportsDir  string
	Logger      *zap.Logger
}

type tableLoad struct {
	report  string
	mapping loader.TableMapping
}

func (d *DatabaseRefresh) LoadAll(ctx context.Context, logf func(line string)) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	loads := []tableLoad{
		{extractor.EndpointsReport, loader.EndpointsMapping},
		{extractor.VulnerabilitiesNDReport, loader.VulnerabilitiesMapping},
		{extractor.PatchesReport, loader.PatchesMapping},
		{extractor.TasksReport, loader.TasksMapping},
	}

	present := loads[:0]
	for _, tl := range loads {
		if _, err := os.Stat(filepath.Join(d.ReportsDir, tl.report)); os.IsNotExist(err) {
			logger.Warn("report missing, skipping load", zap.String("report", tl.report))
			logf(fmt.Sprintf("report %s not found, skipped", tl.report))
			continue
		}
		present = append(present, tl)
	}
	if len(present) == 0 {
		return nil
	}

	conn, err := pgx.Connect(ctx, d.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	l := loader.New(conn, loader.WithLogger(logger))

	for _, tl := range present {
		path := filepath.Join(d.ReportsDir, tl.report)
		res, err := l.LoadFile(ctx, tl.mapping, path)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", tl.mapping.Table, err)
		}
		logf(fmt.Sprintf("loaded %s: %d rows, %d rejected",
			tl.mapping.Table, res.Inserted, res.Rejected))
	}
	return nil
}
