package vicarius

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Entity paths under the external data API. Field names in the wire structs
// below are API contracts and must not be renamed.
const (
	EntityEndpoint      = "endpoint"
	EntityGroup         = "organizationGroups"
	EntityProduct       = "product"
	EntityTaskEvent     = "taskEndpointsEvent"
	EntityVulnerability = "endpointVulnerability"
	EntityPatch         = "organizationEndpointPatch"
	EntityIncidentEvent = "incidentEventVulnerabilities"
)

// Sort/filter field for the event-stream entities.
const EventCreatedAtField = "analyticsEventCreatedAt"

// collapseText flattens free text for the comma/quote delimited reports:
// carriage returns dropped, newlines become ">>", literal quotes stripped.
func collapseText(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", ">>")
	s = strings.ReplaceAll(s, `"`, "")
	return strings.TrimSpace(s)
}

// Endpoint is one row of the endpoint inventory.
type Endpoint struct {
	ID        int64
	Name      string
	Hash      string
	OS        string
	Version   string
	UpdatedAt int64 // ms epoch
}

type endpointRecord struct {
	EndpointID      int64  `json:"endpointId"`
	EndpointName    string `json:"endpointName"`
	EndpointHash    string `json:"endpointHash"`
	EndpointVersion string `json:"endpointVersion"`
	OperatingSystem *struct {
		OperatingSystemFullName string `json:"operatingSystemFullName"`
	} `json:"endpointOperatingSystem"`
	EndpointUpdatedAt int64 `json:"endpointUpdatedAt"`
}

func ParseEndpoint(raw json.RawMessage) (Endpoint, error) {
	var rec endpointRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}

	e := Endpoint{
		ID:        rec.EndpointID,
		Name:      rec.EndpointName,
		Hash:      rec.EndpointHash,
		Version:   rec.EndpointVersion,
		UpdatedAt: rec.EndpointUpdatedAt,
	}
	if rec.OperatingSystem != nil {
		e.OS = rec.OperatingSystem.OperatingSystemFullName
	}
	return e, nil
}

// Group is an organization group and its member endpoint names.
type Group struct {
	ID      int64
	Name    string
	Members []string
}

type groupRecord struct {
	OrganizationGroupID        int64  `json:"organizationGroupId"`
	OrganizationGroupName      string `json:"organizationGroupName"`
	OrganizationGroupEndpoints []struct {
		EndpointName string `json:"endpointName"`
	} `json:"organizationGroupEndpoints"`
}

func ParseGroup(raw json.RawMessage) (Group, error) {
	var rec groupRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Group{}, fmt.Errorf("parse group: %w", err)
	}

	g := Group{
		ID:   rec.OrganizationGroupID,
		Name: rec.OrganizationGroupName,
	}
	for _, m := range rec.OrganizationGroupEndpoints {
		g.Members = append(g.Members, m.EndpointName)
	}
	return g, nil
}

// Product is one installed product entry on an endpoint.
type Product struct {
	Asset        string
	Name         string
	RawEntryName string
}

type productRecord struct {
	ProductEndpoint *struct {
		EndpointName string `json:"endpointName"`
	} `json:"productEndpoint"`
	ProductName         string `json:"productName"`
	ProductRawEntryName string `json:"productRawEntryName"`
}

func ParseProduct(raw json.RawMessage) (Product, error) {
	var rec productRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Product{}, fmt.Errorf("parse product: %w", err)
	}

	p := Product{
		Name:         rec.ProductName,
		RawEntryName: rec.ProductRawEntryName,
	}
	if rec.ProductEndpoint != nil {
		p.Asset = rec.ProductEndpoint.EndpointName
	}
	return p, nil
}

// TaskEvent is one row of the task event stream. PathOrProduct and the
// status fields come from sub-type dependent nested locations.
type TaskEvent struct {
	TaskID            int64
	AutomationID      string
	AutomationName    string
	Asset             string
	TaskType          string
	PublisherName     string
	PathOrProduct     string
	PathOrProductDesc string
	ActionStatus      string
	MessageStatus     string
	Username          string
	CreatedAt         int64 // ms epoch
	UpdatedAt         int64 // ms epoch
}

type taskEventRecord struct {
	Task *struct {
		TaskID     int64 `json:"taskId"`
		Automation *struct {
			AutomationID   int64  `json:"automationId"`
			AutomationName string `json:"automationName"`
		} `json:"taskAutomation"`
		User *struct {
			UserFirstName string `json:"userFirstName"`
			UserLastName  string `json:"userLastName"`
		} `json:"taskUser"`
		TaskType *struct {
			TaskTypeName string `json:"taskTypeName"`
		} `json:"taskTaskType"`
		TaskStatus *struct {
			TaskStatusName string `json:"taskStatusName"`
		} `json:"taskTaskStatus"`
		Publisher *struct {
			PublisherName string `json:"publisherName"`
		} `json:"taskPublisher"`
		Patch *struct {
			PatchName        string `json:"patchName"`
			PatchDescription string `json:"patchDescription"`
		} `json:"taskPatch"`
		Product *struct {
			ProductName string `json:"productName"`
		} `json:"taskProduct"`
		OperatingSystem *struct {
			OperatingSystemName string `json:"operatingSystemName"`
		} `json:"taskOperatingSystem"`
		ScriptTemplate *struct {
			OrganizationScriptTemplateName string `json:"organizationScriptTemplateName"`
		} `json:"taskScriptTemplate"`
	} `json:"taskEndpointsEventTask"`
	Endpoint *struct {
		EndpointName string `json:"endpointName"`
	} `json:"taskEndpointsEventEndpoint"`
	PatchPackages *struct {
		ActionStatus *struct {
			ActionStatusName string `json:"actionStatusName"`
		} `json:"organizationEndpointPatchPatchPackagesActionStatus"`
		StatusMessage string `json:"organizationEndpointPatchPatchPackagesStatusMessage"`
	} `json:"taskEndpointsEventOrganizationEndpointPatchPatchPackages"`
	ScriptCommand *struct {
		Output string `json:"organizationEndpointTaskOrganizationScriptTemplatesOutput"`
	} `json:"taskEndpointsEventOrganizationEndpointTaskScriptTemplateCommandAbs"`
	AnalyticsEventCreatedAt int64 `json:"analyticsEventCreatedAt"`
	AnalyticsEventUpdatedAt int64 `json:"analyticsEventUpdatedAt"`
}

// ParseTaskEvent extracts one task event. The remote schema surfaces the
// product/path and status fields from a different nested object per task
// sub-type, so the extraction is an explicit switch over the type name:
//
//	RunScript                                → product entry, script template
//	                                           name, task status, script output
//	ApplyPublisherOperatingSystemVersionsPatchs → operating system name
//	ActivateTopia                            → task type echoed as status
//	anything else (patch install)            → patch name/description,
//	                                           patch package status
func ParseTaskEvent(raw json.RawMessage) (TaskEvent, error) {
	var rec taskEventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return TaskEvent{}, fmt.Errorf("parse task event: %w", err)
	}
	if rec.Task == nil || rec.Endpoint == nil {
		return TaskEvent{}, fmt.Errorf("parse task event: missing task or endpoint object")
	}

	ev := TaskEvent{
		TaskID:    rec.Task.TaskID,
		Asset:     rec.Endpoint.EndpointName,
		CreatedAt: rec.AnalyticsEventCreatedAt,
		UpdatedAt: rec.AnalyticsEventUpdatedAt,
	}

	if a := rec.Task.Automation; a != nil {
		ev.AutomationID = fmt.Sprintf("%d", a.AutomationID)
		ev.AutomationName = a.AutomationName
	}
	if u := rec.Task.User; u != nil {
		ev.Username = u.UserFirstName + " " + u.UserLastName
	}
	if t := rec.Task.TaskType; t != nil {
		ev.TaskType = t.TaskTypeName
	}
	if p := rec.Task.Publisher; p != nil {
		ev.PublisherName = p.PublisherName
	}

	patchPackageStatus := func() {
		if pp := rec.PatchPackages; pp != nil {
			if pp.ActionStatus != nil {
				ev.ActionStatus = pp.ActionStatus.ActionStatusName
			}
			ev.MessageStatus = pp.StatusMessage
		}
	}

	// Patch name first, product name on top when present.
	pathFromPatchOrProduct := func() {
		if p := rec.Task.Patch; p != nil {
			ev.PathOrProduct = p.PatchName
			ev.PathOrProductDesc = p.PatchDescription
		}
		if p := rec.Task.Product; p != nil && p.ProductName != "" {
			ev.PathOrProduct = p.ProductName
		}
	}

	switch {
	case strings.Contains(ev.TaskType, "RunScript"):
		if p := rec.Task.Product; p != nil {
			ev.PathOrProduct = p.ProductName
		}
		if st := rec.Task.ScriptTemplate; st != nil {
			ev.PathOrProductDesc = st.OrganizationScriptTemplateName
		}
		if s := rec.Task.TaskStatus; s != nil {
			ev.ActionStatus = s.TaskStatusName
		}
		if sc := rec.ScriptCommand; sc != nil {
			ev.MessageStatus = sc.Output
		}

	case strings.Contains(ev.TaskType, "ApplyPublisherOperatingSystemVersionsPatchs"):
		if os := rec.Task.OperatingSystem; os != nil {
			ev.PathOrProduct = os.OperatingSystemName
		}
		patchPackageStatus()

	case strings.Contains(ev.TaskType, "ActivateTopia"):
		// Agent activations still carry the patch/product path but
		// report the task type itself as the action, with no message.
		pathFromPatchOrProduct()
		ev.ActionStatus = ev.TaskType

	default:
		pathFromPatchOrProduct()
		patchPackageStatus()
	}

	ev.PathOrProductDesc = collapseText(ev.PathOrProductDesc)
	ev.MessageStatus = collapseText(ev.MessageStatus)

	return ev, nil
}

// Vulnerability is one endpoint/CVE pair.
type Vulnerability struct {
	Asset                 string
	AssetHash             string
	ProductName           string
	ProductRawEntryName   string
	SensitivityLevelName  string
	CVE                   string
	VulnerabilityID       int64
	PatchID               string
	PatchName             string
	PatchReleaseDate      string
	CreatedAt             int64
	UpdatedAt             int64
	Link                  string
	Summary               string
	V3BaseScore           float64
	V3ExploitabilityLevel float64
}

type vulnerabilityRecord struct {
	Endpoint *struct {
		EndpointName string `json:"endpointName"`
		EndpointHash string `json:"endpointHash"`
	} `json:"endpointVulnerabilityEndpoint"`
	Product *struct {
		ProductName         string `json:"productName"`
		ProductRawEntryName string `json:"productRawEntryName"`
	} `json:"endpointVulnerabilityProduct"`
	Vulnerability *struct {
		VulnerabilityID       int64   `json:"vulnerabilityId"`
		VulnerabilityName     string  `json:"vulnerabilityName"`
		VulnerabilitySummary  string  `json:"vulnerabilitySummary"`
		V3BaseScore           float64 `json:"vulnerabilityV3BaseScore"`
		V3ExploitabilityLevel float64 `json:"vulnerabilityV3ExploitabilityLevel"`
		SensitivityLevel      *struct {
			SensitivityLevelName string `json:"sensitivityLevelName"`
		} `json:"vulnerabilitySensitivityLevel"`
		ExternalReference *struct {
			ExternalReferenceLink string `json:"externalReferenceLink"`
		} `json:"vulnerabilityExternalReference"`
		Patch *struct {
			PatchID          string `json:"patchId"`
			PatchName        string `json:"patchName"`
			PatchReleaseDate string `json:"patchReleaseDate"`
		} `json:"vulnerabilityPatch"`
		VulnerabilityCreatedAt int64 `json:"vulnerabilityCreatedAt"`
		VulnerabilityUpdatedAt int64 `json:"vulnerabilityUpdatedAt"`
	} `json:"endpointVulnerabilityVulnerability"`
}

func ParseVulnerability(raw json.RawMessage) (Vulnerability, error) {
	var rec vulnerabilityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Vulnerability{}, fmt.Errorf("parse vulnerability: %w", err)
	}

	// Patch fields default to the API's "n\a" placeholder when no patch
	// is linked, matching the report contract.
	v := Vulnerability{
		PatchID:          `n\a`,
		PatchName:        `n\a`,
		PatchReleaseDate: `n\a`,
	}
	if rec.Endpoint != nil {
		v.Asset = rec.Endpoint.EndpointName
		v.AssetHash = rec.Endpoint.EndpointHash
	}
	if rec.Product != nil {
		v.ProductName = rec.Product.ProductName
		v.ProductRawEntryName = rec.Product.ProductRawEntryName
	}
	if vv := rec.Vulnerability; vv != nil {
		v.VulnerabilityID = vv.VulnerabilityID
		v.CVE = vv.VulnerabilityName
		v.Summary = collapseText(vv.VulnerabilitySummary)
		v.V3BaseScore = vv.V3BaseScore
		v.V3ExploitabilityLevel = vv.V3ExploitabilityLevel
		v.CreatedAt = vv.VulnerabilityCreatedAt
		v.UpdatedAt = vv.VulnerabilityUpdatedAt
		if vv.SensitivityLevel != nil {
			v.SensitivityLevelName = vv.SensitivityLevel.SensitivityLevelName
		}
		if vv.ExternalReference != nil {
			v.Link = vv.ExternalReference.ExternalReferenceLink
		}
		if vv.Patch != nil {
			v.PatchID = vv.Patch.PatchID
			v.PatchName = vv.Patch.PatchName
			v.PatchReleaseDate = vv.Patch.PatchReleaseDate
		}
	}
	return v, nil
}

// Patch is one missing patch entry for an endpoint.
type Patch struct {
	Asset         string
	PatchName     string
	SeverityLevel string
	SeverityName  string
	Description   string
	PatchID       string
}

type patchRecord struct {
	Endpoint *struct {
		EndpointName string `json:"endpointName"`
	} `json:"organizationEndpointPatchEndpoint"`
	Patch *struct {
		PatchID          string `json:"patchId"`
		PatchName        string `json:"patchName"`
		PatchDescription string `json:"patchDescription"`
		SeverityLevel    *struct {
			SeverityLevelID   string `json:"severityLevelId"`
			SeverityLevelName string `json:"severityLevelName"`
		} `json:"patchSeverityLevel"`
	} `json:"organizationEndpointPatchPatch"`
}

func ParsePatch(raw json.RawMessage) (Patch, error) {
	var rec patchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Patch{}, fmt.Errorf("parse patch: %w", err)
	}

	var p Patch
	if rec.Endpoint != nil {
		p.Asset = rec.Endpoint.EndpointName
	}
	if rec.Patch != nil {
		p.PatchID = rec.Patch.PatchID
		p.PatchName = rec.Patch.PatchName
		p.Description = collapseText(rec.Patch.PatchDescription)
		if rec.Patch.SeverityLevel != nil {
			p.SeverityLevel = rec.Patch.SeverityLevel.SeverityLevelID
			p.SeverityName = rec.Patch.SeverityLevel.SeverityLevelName
		}
	}
	return p, nil
}

// IncidentEvent is one row of the incident event stream.
type IncidentEvent struct {
	AssetID               int64
	Asset                 string
	CVE                   string
	Severity              string
	EventType             string
	Publisher             string
	AppOrOS               string
	ThreatLevelID         int64
	V3ExploitabilityLevel float64
	V3BaseScore           float64
	PatchID               string
	Summary               string
	CreatedAt             int64 // ms epoch
	UpdatedAt             int64 // ms epoch
	DetectionDate         int64 // ms epoch, mitigated events only
}

type incidentEventRecord struct {
	Endpoint *struct {
		EndpointID   int64  `json:"endpointId"`
		EndpointName string `json:"endpointName"`
	} `json:"incidentEventEndpoint"`
	Vulnerability *struct {
		VulnerabilityName     string  `json:"vulnerabilityName"`
		VulnerabilitySummary  string  `json:"vulnerabilitySummary"`
		V3BaseScore           float64 `json:"vulnerabilityV3BaseScore"`
		V3ExploitabilityLevel float64 `json:"vulnerabilityV3ExploitabilityLevel"`
		SensitivityLevel      *struct {
			SensitivityLevelName string `json:"sensitivityLevelName"`
		} `json:"vulnerabilitySensitivityLevel"`
		ThreatLevel *struct {
			ThreatLevelID int64 `json:"threatLevelId"`
		} `json:"vulnerabilityThreatLevel"`
		Patch *struct {
			PatchID string `json:"patchId"`
		} `json:"vulnerabilityPatch"`
	} `json:"incidentEventVulnerability"`
	EventType *struct {
		IncidentEventTypeName string `json:"incidentEventTypeName"`
	} `json:"incidentEventType"`
	Publisher *struct {
		PublisherName string `json:"publisherName"`
	} `json:"incidentEventPublisher"`
	Product *struct {
		ProductName string `json:"productName"`
	} `json:"incidentEventProduct"`
	AnalyticsEventCreatedAt     int64 `json:"analyticsEventCreatedAt"`
	AnalyticsEventUpdatedAt     int64 `json:"analyticsEventUpdatedAt"`
	MitigatedEventDetectionDate int64 `json:"mitigatedEventDetectionDate"`
}

func ParseIncidentEvent(raw json.RawMessage) (IncidentEvent, error) {
	var rec incidentEventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return IncidentEvent{}, fmt.Errorf("parse incident event: %w", err)
	}

	ev := IncidentEvent{
		CreatedAt:     rec.AnalyticsEventCreatedAt,
		UpdatedAt:     rec.AnalyticsEventUpdatedAt,
		DetectionDate: rec.MitigatedEventDetectionDate,
	}
	if rec.Endpoint != nil {
		ev.AssetID = rec.Endpoint.EndpointID
		ev.Asset = rec.Endpoint.EndpointName
	}
	if rec.EventType != nil {
		ev.EventType = rec.EventType.IncidentEventTypeName
	}
	if rec.Publisher != nil {
		ev.Publisher = rec.Publisher.PublisherName
	}
	if rec.Product != nil {
		ev.AppOrOS = rec.Product.ProductName
	}
	if vv := rec.Vulnerability; vv != nil {
		ev.CVE = vv.VulnerabilityName
		ev.Summary = collapseText(vv.VulnerabilitySummary)
		ev.V3BaseScore = vv.V3BaseScore
		ev.V3ExploitabilityLevel = vv.V3ExploitabilityLevel
		if vv.SensitivityLevel != nil {
			ev.Severity = vv.SensitivityLevel.SensitivityLevelName
		}
		if vv.ThreatLevel != nil {
			ev.ThreatLevelID = vv.ThreatLevel.ThreatLevelID
		}
		if vv.Patch != nil {
			ev.PatchID = vv.Patch.PatchID
		}
	}
	return ev, nil
}
