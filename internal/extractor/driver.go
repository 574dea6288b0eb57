package extractor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/cleaner"
	"github.com/vrx-tools/vrxetl/internal/vicarius"
)

// Cursor keys in the persisted extraction state.
const (
	cursorTasks     = "tasks"     // ms epoch
	cursorIncidents = "incidents" // ns epoch
)

type EntityResult struct {
	Entity      string
	RowsWritten int
	FinalCursor int64
}

type RunResult struct {
	Entities []EntityResult
	Err      error
}

type DriverOption func(*Driver)

func WithLogger(logger *zap.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithProgress sets the sink for human-readable progress lines. The
// coordinator streams these to run-log consumers.
func WithProgress(fn func(string)) DriverOption {
	return func(d *Driver) {
		d.progress = fn
	}
}

func WithPageSize(size int) DriverOption {
	return func(d *Driver) {
		d.pageSize = size
	}
}

func WithIncidentPageSize(size int) DriverOption {
	return func(d *Driver) {
		d.incidentPageSize = size
	}
}

// Driver sequences the per-entity extraction passes of a full run.
type Driver struct {
	client     *vicarius.Client
	store      *StateStore
	reportsDir string

	pageSize         int
	incidentPageSize int

	logger   *zap.Logger
	progress func(string)
}

func NewDriver(client *vicarius.Client, store *StateStore, reportsDir string, opts ...DriverOption) *Driver {
	d := &Driver{
		client:           client,
		store:            store,
		reportsDir:       reportsDir,
		pageSize:         100,
		incidentPageSize: 500,
		logger:           zap.NewNop(),
		progress:         func(string) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) reportPath(name string) string {
	return filepath.Join(d.reportsDir, name)
}

func (d *Driver) progressf(format string, args ...any) {
	d.progress(fmt.Sprintf(format, args...))
}

// RunAll executes a full extraction: endpoints, groups, products, task
// events, vulnerabilities, patches, incident events, then the clean and
// derive passes. A failed entity pass is recorded and does not block the
// passes after it; only the per-endpoint vulnerability and patch scans
// are skipped when the endpoint inventory itself fails, since they
// iterate it. The state file is saved once at the end so cursors of
// completed passes survive a partial run.
func (d *Driver) RunAll(ctx context.Context) RunResult {
	state := d.store.Load()

	var result RunResult
	var runErr error

	endpoints, groups, invErr := d.runInventory(ctx, &result)
	if invErr != nil {
		runErr = multierr.Append(runErr, invErr)
		d.logger.Warn("endpoint inventory failed, skipping per-endpoint scans", zap.Error(invErr))
		d.progressf("Warning: endpoint inventory failed, skipping vulnerability and patch scans: %v", invErr)
	}

	if err := d.runTaskEvents(ctx, state, &result); err != nil {
		runErr = multierr.Append(runErr, err)
	}

	if invErr == nil {
		index := NewGroupIndex(groups)
		if err := d.runVulnerabilities(ctx, endpoints, index, &result); err != nil {
			runErr = multierr.Append(runErr, err)
		}
		if err := d.runPatches(ctx, endpoints, &result); err != nil {
			runErr = multierr.Append(runErr, err)
		}
	}

	if err := d.runIncidentEvents(ctx, state, &result); err != nil {
		runErr = multierr.Append(runErr, err)
	}

	d.runPostProcessing()

	if err := d.store.Save(state); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("save state: %w", err))
	}

	result.Err = runErr
	return result
}

// runInventory extracts endpoints, groups, and products. These are full
// snapshots: their report files are rewritten, not appended.
func (d *Driver) runInventory(ctx context.Context, result *RunResult) ([]vicarius.Endpoint, []vicarius.Group, error) {
	d.progressf("Extracting endpoints...")

	fetcher := NewEndpointFetcher(d.client, d.pageSize, d.logger)
	endpoints, err := fetcher.FetchAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("endpoints: %w", err)
	}

	if err := d.writeEndpoints(endpoints); err != nil {
		return nil, nil, fmt.Errorf("endpoints report: %w", err)
	}
	result.Entities = append(result.Entities, EntityResult{Entity: "endpoints", RowsWritten: len(endpoints)})
	d.progressf("Endpoints report generated: %d endpoints", len(endpoints))

	d.progressf("Extracting endpoint groups...")
	groups, err := NewGroupFetcher(d.client, d.pageSize, d.logger).FetchAll(ctx)
	if err != nil {
		// Groups only enrich the vulnerability report; continue without.
		d.logger.Warn("group extraction failed, group column will be empty", zap.Error(err))
		d.progressf("Warning: group extraction failed: %v", err)
		groups = nil
	}
	result.Entities = append(result.Entities, EntityResult{Entity: "groups", RowsWritten: len(groups)})

	d.progressf("Extracting products...")
	products, err := NewProductFetcher(d.client, d.pageSize, d.logger).FetchAll(ctx)
	if err != nil {
		d.logger.Warn("product extraction failed", zap.Error(err))
		d.progressf("Warning: product extraction failed: %v", err)
	} else {
		if err := d.writeProducts(products); err != nil {
			d.logger.Warn("products report failed", zap.Error(err))
		}
		result.Entities = append(result.Entities, EntityResult{Entity: "products", RowsWritten: len(products)})
	}

	return endpoints, groups, nil
}

func (d *Driver) runTaskEvents(ctx context.Context, state *State, result *RunResult) error {
	d.progressf("Extracting task events...")

	fetcher := NewTaskEventFetcher(d.client, d.pageSize, d.logger)

	since := state.Cursor(cursorTasks)
	now := time.Now().UnixMilli()

	total, err := fetcher.Count(ctx, since)
	if err != nil {
		d.progressf("Task event extraction failed: %v", err)
		return fmt.Errorf("tasks: %w", err)
	}
	d.progressf("Task events pending: %d", total)

	events, maxTS, err := fetcher.FetchWindow(ctx, since, now)
	if err != nil {
		d.progressf("Task event extraction failed: %v", err)
		return fmt.Errorf("tasks: %w", err)
	}

	if err := d.writeTaskEvents(events); err != nil {
		return fmt.Errorf("tasks report: %w", err)
	}

	state.Advance(cursorTasks, maxTS)
	state.Reports[cursorTasks] = d.reportPath(TasksReport)
	result.Entities = append(result.Entities, EntityResult{
		Entity:      "tasks",
		RowsWritten: len(events),
		FinalCursor: state.Cursor(cursorTasks),
	})
	d.progressf("Task events report generated: %d new events", len(events))
	return nil
}

func (d *Driver) runVulnerabilities(ctx context.Context, endpoints []vicarius.Endpoint, index *GroupIndex, result *RunResult) error {
	d.progressf("Extracting vulnerabilities...")

	unique := DedupeEndpoints(endpoints)
	fetcher := NewVulnerabilityFetcher(d.client, d.pageSize, d.logger)

	path := d.reportPath(VulnerabilitiesReport)
	os.Remove(path)
	w, err := NewReportWriter(path, VulnerabilitiesHeader)
	if err != nil {
		return fmt.Errorf("vulnerabilities report: %w", err)
	}

	rows := 0
	for i, endpoint := range unique {
		vulns, err := fetcher.FetchForEndpoint(ctx, endpoint)
		if err != nil {
			// One endpoint's scan failing should not discard the rest
			// of the fleet; the next full run retries it.
			d.logger.Warn("vulnerability scan failed for endpoint",
				zap.String("endpoint", endpoint.Name), zap.Error(err))
			d.progressf("Warning: vulnerability scan failed for %s: %v", endpoint.Name, err)
			continue
		}

		group := index.GroupFor(endpoint.Name)
		for _, v := range vulns {
			if err := w.Write([]string{
				v.Asset,
				v.AssetHash,
				group,
				v.ProductName,
				v.ProductRawEntryName,
				v.SensitivityLevelName,
				v.CVE,
				strconv.FormatInt(v.VulnerabilityID, 10),
				v.PatchID,
				v.PatchName,
				v.PatchReleaseDate,
				strconv.FormatInt(v.CreatedAt, 10),
				strconv.FormatInt(v.UpdatedAt, 10),
				v.Link,
				v.Summary,
				formatFloat(v.V3BaseScore),
				formatFloat(v.V3ExploitabilityLevel),
			}); err != nil {
				w.Close()
				return fmt.Errorf("vulnerabilities report: %w", err)
			}
			rows++
		}

		if (i+1)%100 == 0 {
			d.progressf("Vulnerabilities: scanned %d/%d endpoints", i+1, len(unique))
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("vulnerabilities report: %w", err)
	}

	result.Entities = append(result.Entities, EntityResult{Entity: "vulnerabilities", RowsWritten: rows})
	d.progressf("Vulnerabilities report generated: %d rows from %d endpoints", rows, len(unique))
	return nil
}

func (d *Driver) runPatches(ctx context.Context, endpoints []vicarius.Endpoint, result *RunResult) error {
	d.progressf("Extracting patches...")

	unique := DedupeEndpoints(endpoints)
	fetcher := NewPatchFetcher(d.client, d.pageSize, d.logger)

	path := d.reportPath(PatchesReport)
	os.Remove(path)
	w, err := NewReportWriter(path, PatchesHeader)
	if err != nil {
		return fmt.Errorf("patches report: %w", err)
	}

	rows := 0
	for i, endpoint := range unique {
		patches, err := fetcher.FetchForEndpoint(ctx, endpoint)
		if err != nil {
			d.logger.Warn("patch scan failed for endpoint",
				zap.String("endpoint", endpoint.Name), zap.Error(err))
			d.progressf("Warning: patch scan failed for %s: %v", endpoint.Name, err)
			continue
		}

		for _, p := range patches {
			if err := w.Write([]string{
				p.Asset,
				endpoint.OS,
				p.PatchName,
				p.SeverityLevel,
				p.SeverityName,
				p.Description,
				p.PatchID,
			}); err != nil {
				w.Close()
				return fmt.Errorf("patches report: %w", err)
			}
			rows++
		}

		if (i+1)%100 == 0 {
			d.progressf("Patches: scanned %d/%d endpoints", i+1, len(unique))
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("patches report: %w", err)
	}

	result.Entities = append(result.Entities, EntityResult{Entity: "patches", RowsWritten: rows})
	d.progressf("Patches report generated: %d rows from %d endpoints", rows, len(unique))
	return nil
}

func (d *Driver) runIncidentEvents(ctx context.Context, state *State, result *RunResult) error {
	d.progressf("Extracting incident events...")

	fetcher := NewIncidentEventFetcher(d.client, d.incidentPageSize, d.logger)

	since := state.Cursor(cursorIncidents)
	now := time.Now().UnixNano()

	total, err := fetcher.Count(ctx, since)
	if err != nil {
		d.progressf("Incident event extraction failed: %v", err)
		return fmt.Errorf("incidents: %w", err)
	}
	d.progressf("Incident events pending: %d", total)

	events, maxNS, err := fetcher.FetchWindow(ctx, since, now)
	if err != nil {
		d.progressf("Incident event extraction failed: %v", err)
		return fmt.Errorf("incidents: %w", err)
	}

	if err := d.writeIncidentEvents(events); err != nil {
		return fmt.Errorf("incidents report: %w", err)
	}

	state.Advance(cursorIncidents, maxNS)
	state.Reports[cursorIncidents] = d.reportPath(IncidentsReport)
	result.Entities = append(result.Entities, EntityResult{
		Entity:      "incidents",
		RowsWritten: len(events),
		FinalCursor: state.Cursor(cursorIncidents),
	})
	d.progressf("Incident events report generated: %d new events", len(events))
	return nil
}

// runPostProcessing dedupes the accumulated reports and derives the
// mitigation-time report. Missing inputs are logged and skipped, never
// fatal: a run with no incidents still completes.
func (d *Driver) runPostProcessing() {
	d.progressf("Cleaning reports...")

	c := cleaner.New(cleaner.WithLogger(d.logger))

	if err := c.Dedupe(
		d.reportPath(VulnerabilitiesReport),
		d.reportPath(VulnerabilitiesNDReport),
		cleaner.VulnerabilityKey,
	); err != nil {
		d.logger.Warn("vulnerability dedupe failed", zap.Error(err))
		d.progressf("Warning: could not clean %s: %v", VulnerabilitiesReport, err)
	} else {
		d.progressf("Cleaned vulnerabilities report generated")
	}

	if err := c.Dedupe(
		d.reportPath(IncidentsReport),
		d.reportPath(IncidentsNDReport),
		cleaner.IncidentKey,
	); err != nil {
		d.logger.Warn("incident dedupe failed", zap.Error(err))
		d.progressf("Warning: could not clean %s: %v", IncidentsReport, err)
	} else {
		d.progressf("Cleaned incident events report generated")
	}

	if err := c.DeriveMitigationTime(
		d.reportPath(IncidentsNDReport),
		d.reportPath(MitigationTimeReport),
	); err != nil {
		d.logger.Warn("mitigation time derivation failed", zap.Error(err))
		d.progressf("Warning: could not derive mitigation time: %v", err)
	} else {
		d.progressf("Mitigation time report generated")
	}
}

func (d *Driver) writeEndpoints(endpoints []vicarius.Endpoint) error {
	path := d.reportPath(EndpointsReport)
	os.Remove(path)
	w, err := NewReportWriter(path, EndpointsHeader)
	if err != nil {
		return err
	}

	for _, e := range endpoints {
		if err := w.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.Name,
			e.Hash,
			e.OS,
			e.Version,
			strconv.FormatInt(e.UpdatedAt, 10),
		}); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (d *Driver) writeProducts(products []vicarius.Product) error {
	path := d.reportPath(ProductsReport)
	os.Remove(path)
	w, err := NewReportWriter(path, ProductsHeader)
	if err != nil {
		return err
	}

	for _, p := range products {
		if err := w.Write([]string{p.Asset, p.Name, p.RawEntryName}); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (d *Driver) writeTaskEvents(events []vicarius.TaskEvent) error {
	w, err := NewReportWriter(d.reportPath(TasksReport), TasksHeader)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := w.Write([]string{
			strconv.FormatInt(ev.TaskID, 10),
			ev.AutomationID,
			ev.AutomationName,
			ev.Asset,
			ev.TaskType,
			ev.PublisherName,
			ev.PathOrProduct,
			ev.PathOrProductDesc,
			ev.ActionStatus,
			ev.MessageStatus,
			ev.Username,
			strconv.FormatInt(ev.CreatedAt, 10),
			strconv.FormatInt(ev.UpdatedAt, 10),
		}); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (d *Driver) writeIncidentEvents(events []vicarius.IncidentEvent) error {
	w, err := NewReportWriter(d.reportPath(IncidentsReport), IncidentsHeader)
	if err != nil {
		return err
	}

	for _, ev := range events {
		detection := ""
		if ev.DetectionDate != 0 {
			detection = strconv.FormatInt(ev.DetectionDate, 10)
		}
		if err := w.Write([]string{
			strconv.FormatInt(ev.AssetID, 10),
			ev.Asset,
			ev.CVE,
			ev.Severity,
			ev.EventType,
			ev.Publisher,
			ev.AppOrOS,
			strconv.FormatInt(ev.ThreatLevelID, 10),
			formatFloat(ev.V3ExploitabilityLevel),
			formatFloat(ev.V3BaseScore),
			ev.PatchID,
			ev.Summary,
			strconv.FormatInt(ev.CreatedAt, 10),
			strconv.FormatInt(ev.UpdatedAt, 10),
			detection,
		}); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
