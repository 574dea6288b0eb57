package extractor

import (
	"encoding/csv"
	"os"
	"path/filepath"
)

// Report file names. The names and header rows are external contracts
// shared with the bulk loader and downstream dashboards.
const (
	EndpointsReport       = "Endpoints.csv"
	ProductsReport        = "Products.csv"
	TasksReport           = "EndpointsEventTask.csv"
	VulnerabilitiesReport = "Vulnerabilities.csv"
	PatchesReport         = "EndpointPatchs.csv"
	IncidentsReport       = "EndpointIncidentesVulnerabilities.csv"

	VulnerabilitiesNDReport = "VulnerabilitiesND.csv"
	IncidentsNDReport       = "EndpointIncidentesVulnerabilitiesND.csv"
	MitigationTimeReport    = "MitigationTime.csv"
)

var (
	EndpointsHeader = []string{"ID", "HOSTNAME", "HASH", "SO", "VERSION", "endpointUpdatedAt"}
	ProductsHeader  = []string{"Asset", "ProductName", "ProductRawEntryName"}
	TasksHeader     = []string{
		"Taskid", "AutomationId", "AutomationName", "Asset", "TaskType",
		"PublisherName", "PathOrProduct", "PathOrProductDesc", "ActionStatus",
		"MessageStatus", "Username", "CreateAt", "UpdateAt",
	}
	VulnerabilitiesHeader = []string{
		"asset", "assethash", "group", "productName", "productRawEntryName",
		"sensitivityLevelName", "cve", "vulnerabilityid", "patchid", "patchName",
		"patchReleaseDate", "createAt", "updateAt", "link", "vulnerabilitySummary",
		"V3BaseScore", "V3ExploitabilityLevel",
	}
	PatchesHeader = []string{"Asset", "SO", "PatchName", "SeverityLevel", "SeverityName", "Description", "PatchID"}
	IncidentsHeader = []string{
		"assetid", "asset", "cve", "severity", "eventType", "publisher", "apporso",
		"threatLevelId", "vulV3exploitlevel", "vulv3basescore", "patchId",
		"vulsummary", "eventcreatedat", "eventupdatedat", "MitigatedEventDetectionDate",
	}
)

// ReportWriter appends rows to a delimited report file, writing the header
// row only when the file is created. The driver owns the file for the
// duration of a run; the cleaner and loader read it afterward.
type ReportWriter struct {
	file *os.File
	w    *csv.Writer
}

func NewReportWriter(path string, header []string) (*ReportWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	w := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			file.Close()
			return nil, err
		}
	}

	return &ReportWriter{file: file, w: w}, nil
}

func (r *ReportWriter) Write(row []string) error {
	return r.w.Write(row)
}

func (r *ReportWriter) Close() error {
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
