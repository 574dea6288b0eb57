package cleaner

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, path string, rows [][]string) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(file)
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, file.Close())
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestDedupe(t *testing.T) {
	t.Run("keeps first occurrence in input order", func(t *testing.T) {
		dir := t.TempDir()
		raw := filepath.Join(dir, "raw.csv")
		out := filepath.Join(dir, "out.csv")

		writeCSV(t, raw, [][]string{
			{"assethash", "cve", "note"},
			{"h1", "CVE-1", "first"},
			{"h2", "CVE-1", "other endpoint"},
			{"h1", "CVE-1", "duplicate"},
			{"h1", "CVE-2", "kept"},
		})

		c := New()
		require.NoError(t, c.Dedupe(raw, out, []string{"assethash", "cve"}))

		rows := readCSV(t, out)
		require.Len(t, rows, 4)
		assert.Equal(t, "first", rows[1][2])
		assert.Equal(t, "other endpoint", rows[2][2])
		assert.Equal(t, "kept", rows[3][2])
	})

	t.Run("idempotent", func(t *testing.T) {
		dir := t.TempDir()
		raw := filepath.Join(dir, "raw.csv")
		out1 := filepath.Join(dir, "out1.csv")
		out2 := filepath.Join(dir, "out2.csv")

		writeCSV(t, raw, [][]string{
			{"assethash", "cve"},
			{"h1", "CVE-1"},
			{"h1", "CVE-1"},
		})

		c := New()
		require.NoError(t, c.Dedupe(raw, out1, VulnerabilityKey))
		require.NoError(t, c.Dedupe(out1, out2, VulnerabilityKey))
		assert.Equal(t, readCSV(t, out1), readCSV(t, out2))
	})

	t.Run("raw file untouched", func(t *testing.T) {
		dir := t.TempDir()
		raw := filepath.Join(dir, "raw.csv")
		out := filepath.Join(dir, "out.csv")

		writeCSV(t, raw, [][]string{
			{"assethash", "cve"},
			{"h1", "CVE-1"},
			{"h1", "CVE-1"},
		})

		require.NoError(t, New().Dedupe(raw, out, VulnerabilityKey))
		assert.Len(t, readCSV(t, raw), 3)
		assert.Len(t, readCSV(t, out), 2)
	})

	t.Run("missing raw file is skipped", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out.csv")
		require.NoError(t, New().Dedupe(filepath.Join(dir, "absent.csv"), out, VulnerabilityKey))
		_, err := os.Stat(out)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing key column fails", func(t *testing.T) {
		dir := t.TempDir()
		raw := filepath.Join(dir, "raw.csv")
		writeCSV(t, raw, [][]string{{"something"}, {"x"}})

		err := New().Dedupe(raw, filepath.Join(dir, "out.csv"), VulnerabilityKey)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "assethash")
	})
}

func TestDeriveMitigationTime(t *testing.T) {
	header := []string{
		"assetid", "asset", "cve", "severity", "eventType", "publisher", "apporso",
		"threatLevelId", "vulV3exploitlevel", "vulv3basescore", "patchId",
		"vulsummary", "eventcreatedat", "eventupdatedat", "MitigatedEventDetectionDate",
	}

	row := func(eventType, created, detection string) []string {
		return []string{
			"1", "alpha", "CVE-1", "high", eventType, "pub", "app",
			"3", "2", "9.8", "42", "summary", created, created, detection,
		}
	}

	t.Run("filters, derives and sorts newest first", func(t *testing.T) {
		dir := t.TempDir()
		in := filepath.Join(dir, "incidents.csv")
		out := filepath.Join(dir, "mitigation.csv")

		writeCSV(t, in, [][]string{
			header,
			row("DetectedVulnerability", "1700000000000", ""),
			row("MitigatedVulnerability", "1700000000000", "1699913600000"), // 1 day
			row("MitigatedVulnerability", "1700200000000", "1699768000000"), // 5 days
			row("MitigatedVulnerability", "1700100000000", ""),              // no detection date
		})

		require.NoError(t, New().DeriveMitigationTime(in, out))

		rows := readCSV(t, out)
		require.Len(t, rows, 4)
		assert.Equal(t, "mitigation_time", rows[0][len(rows[0])-1])

		// sorted by mitigation date descending
		assert.Equal(t, "1700200000000", rows[1][12])
		assert.Equal(t, "1700100000000", rows[2][12])
		assert.Equal(t, "1700000000000", rows[3][12])

		assert.Equal(t, "5", rows[1][len(rows[1])-1])
		assert.Equal(t, "", rows[2][len(rows[2])-1]) // missing detection date
		assert.Equal(t, "1", rows[3][len(rows[3])-1])
	})

	t.Run("missing input is skipped", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "mitigation.csv")
		require.NoError(t, New().DeriveMitigationTime(filepath.Join(dir, "absent.csv"), out))
		_, err := os.Stat(out)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("no mitigated events yields header-only report", func(t *testing.T) {
		dir := t.TempDir()
		in := filepath.Join(dir, "incidents.csv")
		out := filepath.Join(dir, "mitigation.csv")

		writeCSV(t, in, [][]string{
			header,
			row("DetectedVulnerability", "1700000000000", ""),
		})

		require.NoError(t, New().DeriveMitigationTime(in, out))
		rows := readCSV(t, out)
		require.Len(t, rows, 1)
		assert.True(t, strings.HasSuffix(strings.Join(rows[0], ","), "mitigation_time"))
	})
}
