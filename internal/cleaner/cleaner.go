package cleaner

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Natural keys for the dedupe passes. Column names refer to the raw
// report headers.
var (
	VulnerabilityKey = []string{"assethash", "cve"}
	IncidentKey      = []string{
		"assetid", "asset", "cve", "eventType", "publisher", "apporso",
		"eventcreatedat", "eventupdatedat",
	}
)

const mitigatedEventType = "MitigatedVulnerability"

// Milliseconds per day, for the mitigation-time derivation.
const msPerDay = 86_400_000

type Option func(*Cleaner)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// Cleaner post-processes raw report files. It never mutates its inputs;
// every pass regenerates its output file wholesale.
type Cleaner struct {
	logger *zap.Logger
}

func New(opts ...Option) *Cleaner {
	c := &Cleaner{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func readReport(path string) ([]string, [][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
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

func writeReport(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		file.Close()
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			file.Close()
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func columnIndexes(header, columns []string) ([]int, error) {
	idx := make([]int, 0, len(columns))
	for _, col := range columns {
		found := -1
		for i, h := range header {
			if h == col {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("column %q not in report header", col)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

// Dedupe drops rows whose natural key was already seen, keeping the first
// occurrence in input order, and writes the result to cleanedPath. A
// missing or empty source file is logged and skipped without error.
func (c *Cleaner) Dedupe(rawPath, cleanedPath string, keyColumns []string) error {
	header, rows, err := readReport(rawPath)
	if os.IsNotExist(err) {
		c.logger.Warn("raw report missing, skipping dedupe", zap.String("path", rawPath))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedupe %s: %w", rawPath, err)
	}

	keyIdx, err := columnIndexes(header, keyColumns)
	if err != nil {
		return fmt.Errorf("dedupe %s: %w", rawPath, err)
	}

	seen := make(map[string]struct{}, len(rows))
	kept := make([][]string, 0, len(rows))
	for _, row := range rows {
		parts := make([]string, len(keyIdx))
		for i, ki := range keyIdx {
			if ki < len(row) {
				parts[i] = row[ki]
			}
		}
		key := strings.Join(parts, "\x1f")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, row)
	}

	if err := writeReport(cleanedPath, header, kept); err != nil {
		return fmt.Errorf("dedupe %s: %w", rawPath, err)
	}

	c.logger.Info("report deduplicated",
		zap.String("raw", rawPath),
		zap.String("cleaned", cleanedPath),
		zap.Int("in", len(rows)),
		zap.Int("out", len(kept)))
	return nil
}

type mitigationRow struct {
	row            []string
	mitigationDate int64
	hasMitigation  bool
}

// DeriveMitigationTime filters the deduplicated incident report down to
// mitigated-vulnerability events and appends a mitigation_time column:
// days between detection and mitigation, empty when either timestamp is
// missing. Output is sorted by mitigation date, newest first. The event
// creation date is the mitigation date.
func (c *Cleaner) DeriveMitigationTime(incidentPath, mitigationPath string) error {
	header, rows, err := readReport(incidentPath)
	if os.IsNotExist(err) {
		c.logger.Warn("incident report missing, skipping mitigation time",
			zap.String("path", incidentPath))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mitigation time: %w", err)
	}

	idx, err := columnIndexes(header, []string{"eventType", "eventcreatedat", "MitigatedEventDetectionDate"})
	if err != nil {
		return fmt.Errorf("mitigation time: %w", err)
	}
	typeIdx, createdIdx, detectionIdx := idx[0], idx[1], idx[2]

	var mitigated []mitigationRow
	for _, row := range rows {
		if typeIdx >= len(row) || row[typeIdx] != mitigatedEventType {
			continue
		}

		mitigation, mitigationOK := parseEpoch(row, createdIdx)
		detection, detectionOK := parseEpoch(row, detectionIdx)

		out := make([]string, len(row), len(row)+1)
		copy(out, row)
		if mitigationOK && detectionOK {
			days := float64(mitigation-detection) / msPerDay
			out = append(out, strconv.FormatFloat(days, 'f', -1, 64))
		} else {
			out = append(out, "")
		}

		mitigated = append(mitigated, mitigationRow{
			row:            out,
			mitigationDate: mitigation,
			hasMitigation:  mitigationOK,
		})
	}

	sort.SliceStable(mitigated, func(i, j int) bool {
		return mitigated[i].mitigationDate > mitigated[j].mitigationDate
	})

	outHeader := append(append([]string{}, header...), "mitigation_time")
	outRows := make([][]string, len(mitigated))
	for i, m := range mitigated {
		outRows[i] = m.row
	}

	if err := writeReport(mitigationPath, outHeader, outRows); err != nil {
		return fmt.Errorf("mitigation time: %w", err)
	}

	c.logger.Info("mitigation time report generated",
		zap.String("path", mitigationPath),
		zap.Int("rows", len(outRows)))
	return nil
}

func parseEpoch(row []string, idx int) (int64, bool) {
	if idx >= len(row) || row[idx] == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(row[idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
