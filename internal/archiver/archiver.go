package archiver

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	goparquet "github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal"
	"github.com/vrx-tools/vrxetl/internal/extractor"
	"github.com/vrx-tools/vrxetl/internal/parquet"
)

// archivedReports are the cleaned outputs worth keeping; raw files are
// superseded by their deduplicated versions.
var archivedReports = []string{
	extractor.EndpointsReport,
	extractor.ProductsReport,
	extractor.TasksReport,
	extractor.VulnerabilitiesNDReport,
	extractor.PatchesReport,
	extractor.IncidentsNDReport,
	extractor.MitigationTimeReport,
}

type Option func(*Archiver)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

func WithRepository(repo internal.Repository) Option {
	return func(a *Archiver) {
		a.repo = repo
	}
}

func WithReportsDir(dir string) Option {
	return func(a *Archiver) {
		a.reportsDir = dir
	}
}

// Archiver converts the run's report files to parquet and preserves them
// in a repository, partitioned by run date.
type Archiver struct {
	logger     *zap.Logger
	repo       internal.Repository
	reportsDir string
}

func New(opts ...Option) *Archiver {
	a := &Archiver{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run archives every report present in the reports directory. Missing
// reports are skipped; a report that fails to convert or upload fails
// the archive.
func (a *Archiver) Run(ctx context.Context) error {
	dt := time.Now().UTC().Format("2006-01-02")

	for _, report := range archivedReports {
		src := filepath.Join(a.reportsDir, report)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			a.logger.Warn("report missing, not archived", zap.String("report", report))
			continue
		}

		key := path.Join(
			fmt.Sprintf("dt=%s", dt),
			strings.TrimSuffix(report, ".csv")+".parquet",
		)
		if err := a.archiveReport(ctx, src, key); err != nil {
			return fmt.Errorf("archive %s: %w", report, err)
		}
	}
	return nil
}

func (a *Archiver) archiveReport(ctx context.Context, src, key string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return fmt.Errorf("report is empty")
	}
	if err != nil {
		return err
	}

	schema := parquet.SchemaForReport(header)

	var buf bytes.Buffer
	pfile := writerfile.NewWriterFile(&buf)
	pw, err := writer.NewCSVWriter(schema.ToGoParquetSchema(), pfile, 2)
	if err != nil {
		return err
	}
	pw.CompressionType = goparquet.CompressionCodec_SNAPPY

	var rows int64
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			pw.WriteStop()
			return err
		}

		values := make([]any, len(header))
		for i := range header {
			if i < len(row) {
				values[i] = row[i]
			}
		}
		record := internal.NewRecord(header, values)

		prow, err := schema.RecordToRow(record)
		if err != nil {
			pw.WriteStop()
			return err
		}
		if err := pw.WriteString(prow); err != nil {
			pw.WriteStop()
			return err
		}
		rows++
	}

	if err := pw.WriteStop(); err != nil {
		return err
	}
	if err := pfile.Close(); err != nil {
		return err
	}

	if err := a.repo.Write(ctx, key, &buf); err != nil {
		return err
	}

	a.logger.Info("report archived",
		zap.String("key", key),
		zap.Int64("rows", rows))
	return nil
}
