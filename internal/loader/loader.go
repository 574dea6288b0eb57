package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// nullPlaceholder marks fields the extractor could not populate.
const nullPlaceholder = `n\a`

type Option func(*Loader)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Loader performs full-refresh loads of report files into Postgres. Each
// load truncates the target table and bulk-copies the rows back in; rows
// the database rejects are skipped individually so one bad row cannot
// sink a refresh.
type Loader struct {
	conn   *pgx.Conn
	logger *zap.Logger
}

func New(conn *pgx.Conn, opts ...Option) *Loader {
	l := &Loader{
		conn:   conn,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadResult summarizes one table refresh.
type LoadResult struct {
	Table    string
	Inserted int64
	Rejected int
}

// LoadFile refreshes mapping.Table from the report file at path. The
// truncate and the inserts run in one transaction so readers never see a
// half-loaded table.
func (l *Loader) LoadFile(ctx context.Context, mapping TableMapping, path string) (LoadResult, error) {
	res := LoadResult{Table: mapping.Table}

	header, rows, err := readCSVFile(path)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", mapping.Table, err)
	}

	indexes, err := mapping.csvIndexes(header)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", mapping.Table, err)
	}

	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, mapping.convertRow(row, indexes))
	}

	tx, err := l.conn.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("load %s: begin: %w", mapping.Table, err)
	}
	defer tx.Rollback(ctx)

	table := pgx.Identifier{mapping.Table}
	if _, err := tx.Exec(ctx, "TRUNCATE "+table.Sanitize()); err != nil {
		return res, fmt.Errorf("load %s: truncate: %w", mapping.Table, err)
	}

	// The copy runs under a savepoint: a single bad row aborts the whole
	// copy, and without the savepoint it would poison the transaction.
	if _, err := tx.Exec(ctx, "SAVEPOINT bulk_copy"); err != nil {
		return res, fmt.Errorf("load %s: %w", mapping.Table, err)
	}
	copied, err := tx.CopyFrom(ctx, table, mapping.dbColumns(), pgx.CopyFromRows(values))
	if err == nil {
		res.Inserted = copied
	} else {
		l.logger.Warn("bulk copy failed, retrying row by row",
			zap.String("table", mapping.Table),
			zap.Error(err))
		if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT bulk_copy"); err != nil {
			return res, fmt.Errorf("load %s: %w", mapping.Table, err)
		}
		res.Inserted, res.Rejected, err = l.insertRows(ctx, tx, mapping, values)
		if err != nil {
			return res, fmt.Errorf("load %s: %w", mapping.Table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("load %s: commit: %w", mapping.Table, err)
	}

	l.logger.Info("table refreshed",
		zap.String("table", mapping.Table),
		zap.Int64("inserted", res.Inserted),
		zap.Int("rejected", res.Rejected))
	return res, nil
}

func (l *Loader) insertRows(ctx context.Context, tx pgx.Tx, mapping TableMapping, values [][]any) (int64, int, error) {
	cols := mapping.dbColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{mapping.Table}.Sanitize(),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "))

	var inserted int64
	var rejected int
	for i, row := range values {
		// Savepoints keep a rejected row from poisoning the transaction.
		if _, err := tx.Exec(ctx, "SAVEPOINT loader_row"); err != nil {
			return inserted, rejected, err
		}
		if _, err := tx.Exec(ctx, stmt, row...); err != nil {
			if ctx.Err() != nil {
				return inserted, rejected, ctx.Err()
			}
			rejected++
			l.logger.Warn("row rejected",
				zap.String("table", mapping.Table),
				zap.Int("row", i+1),
				zap.Error(err))
			if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT loader_row"); err != nil {
				return inserted, rejected, err
			}
			continue
		}
		inserted++
	}
	return inserted, rejected, nil
}

func (m TableMapping) csvIndexes(header []string) ([]int, error) {
	indexes := make([]int, len(m.Columns))
	for i, col := range m.Columns {
		found := -1
		for j, h := range header {
			if h == col.CSVName {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("column %q missing from report header", col.CSVName)
		}
		indexes[i] = found
	}
	return indexes, nil
}

// convertRow maps one CSV row to database parameters. Fields that fail
// conversion load as NULL rather than failing the row; the database
// enforces which columns genuinely require a value.
func (m TableMapping) convertRow(row []string, indexes []int) []any {
	out := make([]any, len(m.Columns))
	for i, col := range m.Columns {
		idx := indexes[i]
		if idx >= len(row) {
			continue
		}
		out[i] = col.Kind.convert(row[idx])
	}
	return out
}

func (k ColumnKind) convert(field string) any {
	if field == "" || field == nullPlaceholder {
		return nil
	}
	switch k {
	case KindBigint:
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil
		}
		return v
	case KindDouble:
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil
		}
		return v
	case KindTimestampMS:
		ms, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil
		}
		return time.UnixMilli(ms).UTC()
	default:
		return field
	}
}

// readCSVFile reads a report file, decoding it as Windows-1252 when the
// bytes are not valid UTF-8. Agent-supplied fields occasionally carry
// legacy single-byte encodings.
func readCSVFile(path string) ([]string, [][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if !utf8.Valid(raw) {
		raw, err = charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("report %s is empty", path)
	}
	if err != nil {
		return nil, nil, err
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
