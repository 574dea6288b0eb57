package loader

// ColumnKind selects the conversion applied to a CSV field before it is
// bound as a database parameter.
type ColumnKind int

const (
	// KindText passes the field through as-is.
	KindText ColumnKind = iota
	// KindBigint parses the field as a 64-bit integer.
	KindBigint
	// KindDouble parses the field as a float.
	KindDouble
	// KindTimestampMS parses the field as epoch milliseconds and binds
	// it as a timestamp.
	KindTimestampMS
)

// Column maps one CSV header to one database column.
type Column struct {
	CSVName string
	DBName  string
	Kind    ColumnKind
}

// TableMapping describes how a report file loads into its table. Loads
// are full refreshes: the table is truncated before rows are inserted.
type TableMapping struct {
	Table   string
	Columns []Column
}

var (
	// EndpointsMapping loads Endpoints.csv.
	EndpointsMapping = TableMapping{
		Table: "endpoints",
		Columns: []Column{
			{"ID", "endpoint_id", KindBigint},
			{"HOSTNAME", "hostname", KindText},
			{"HASH", "hash", KindText},
			{"SO", "operating_system", KindText},
			{"VERSION", "version", KindText},
			{"endpointUpdatedAt", "endpoint_updated_at", KindTimestampMS},
		},
	}

	// VulnerabilitiesMapping loads VulnerabilitiesND.csv. "group" is a
	// reserved word, hence asset_group.
	VulnerabilitiesMapping = TableMapping{
		Table: "vulnerabilities",
		Columns: []Column{
			{"asset", "asset", KindText},
			{"assethash", "asset_hash", KindText},
			{"group", "asset_group", KindText},
			{"productName", "product_name", KindText},
			{"productRawEntryName", "product_raw_entry_name", KindText},
			{"sensitivityLevelName", "sensitivity_level_name", KindText},
			{"cve", "cve", KindText},
			{"vulnerabilityid", "vulnerability_id", KindBigint},
			{"patchid", "patch_id", KindBigint},
			{"patchName", "patch_name", KindText},
			{"patchReleaseDate", "patch_release_date", KindTimestampMS},
			{"createAt", "create_at", KindTimestampMS},
			{"updateAt", "update_at", KindTimestampMS},
			{"link", "link", KindText},
			{"vulnerabilitySummary", "vulnerability_summary", KindText},
			{"V3BaseScore", "v3_base_score", KindDouble},
			{"V3ExploitabilityLevel", "v3_exploitability_level", KindDouble},
		},
	}

	// PatchesMapping loads EndpointPatchs.csv.
	PatchesMapping = TableMapping{
		Table: "endpoint_patches",
		Columns: []Column{
			{"Asset", "asset", KindText},
			{"SO", "so", KindText},
			{"PatchName", "patch_name", KindText},
			{"SeverityLevel", "severity_level", KindDouble},
			{"SeverityName", "severity_name", KindText},
			{"Description", "description", KindText},
			{"PatchID", "patch_id", KindBigint},
		},
	}

	// TasksMapping loads EndpointsEventTask.csv.
	TasksMapping = TableMapping{
		Table: "endpoint_event_tasks",
		Columns: []Column{
			{"Taskid", "task_id", KindBigint},
			{"AutomationId", "automation_id", KindBigint},
			{"AutomationName", "automation_name", KindText},
			{"Asset", "asset", KindText},
			{"TaskType", "task_type", KindText},
			{"PublisherName", "publisher_name", KindText},
			{"PathOrProduct", "path_or_product", KindText},
			{"PathOrProductDesc", "path_or_product_desc", KindText},
			{"ActionStatus", "action_status", KindText},
			{"MessageStatus", "message_status", KindText},
			{"Username", "username", KindText},
			{"CreateAt", "create_at", KindTimestampMS},
			{"UpdateAt", "update_at", KindTimestampMS},
		},
	}
)

func (m TableMapping) dbColumns() []string {
	cols := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		cols[i] = c.DBName
	}
	return cols
}
