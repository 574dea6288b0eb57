package vicarius

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollapseText(t *testing.T) {
	assert.Equal(t, "line one>>line two", collapseText("line one\r\nline two"))
	assert.Equal(t, "a quoted value", collapseText(`a "quoted" value`))
	assert.Equal(t, "trimmed", collapseText("  trimmed \n"))
}

func TestParseEndpoint(t *testing.T) {
	raw := json.RawMessage(`{
		"endpointId": 7,
		"endpointName": "SRV-01",
		"endpointHash": "abc",
		"endpointVersion": "1.2.3",
		"endpointOperatingSystem": {"operatingSystemFullName": "Windows Server 2019"},
		"endpointUpdatedAt": 1700000000000
	}`)

	e, err := ParseEndpoint(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.ID)
	assert.Equal(t, "SRV-01", e.Name)
	assert.Equal(t, "Windows Server 2019", e.OS)
	assert.Equal(t, int64(1700000000000), e.UpdatedAt)
}

func TestParseTaskEvent(t *testing.T) {
	base := func(taskType string) map[string]any {
		return map[string]any{
			"taskEndpointsEventTask": map[string]any{
				"taskId": int64(11),
				"taskAutomation": map[string]any{
					"automationId":   int64(3),
					"automationName": "weekly patching",
				},
				"taskUser":     map[string]any{"userFirstName": "Ada", "userLastName": "Lovelace"},
				"taskTaskType": map[string]any{"taskTypeName": taskType},
				"taskPublisher": map[string]any{
					"publisherName": "Microsoft",
				},
				"taskPatch": map[string]any{
					"patchName":        "KB500100",
					"patchDescription": "fixes\nthings",
				},
				"taskProduct":         map[string]any{"productName": ""},
				"taskOperatingSystem": map[string]any{"operatingSystemName": "Windows 11"},
				"taskScriptTemplate":  map[string]any{"organizationScriptTemplateName": "restart-service"},
				"taskTaskStatus":      map[string]any{"taskStatusName": "Completed"},
			},
			"taskEndpointsEventEndpoint": map[string]any{"endpointName": "SRV-01"},
			"taskEndpointsEventOrganizationEndpointPatchPatchPackages": map[string]any{
				"organizationEndpointPatchPatchPackagesActionStatus": map[string]any{
					"actionStatusName": "Installed",
				},
				"organizationEndpointPatchPatchPackagesStatusMessage": "ok",
			},
			"taskEndpointsEventOrganizationEndpointTaskScriptTemplateCommandAbs": map[string]any{
				"organizationEndpointTaskOrganizationScriptTemplatesOutput": "done\nexit 0",
			},
			"analyticsEventCreatedAt": int64(1700000000000),
			"analyticsEventUpdatedAt": int64(1700000001000),
		}
	}

	marshal := func(m map[string]any) json.RawMessage {
		bs, err := json.Marshal(m)
		require.NoError(t, err)
		return bs
	}

	t.Run("patch install default", func(t *testing.T) {
		ev, err := ParseTaskEvent(marshal(base("PatchInstall")))
		require.NoError(t, err)
		assert.Equal(t, "KB500100", ev.PathOrProduct)
		assert.Equal(t, "fixes>>things", ev.PathOrProductDesc)
		assert.Equal(t, "Installed", ev.ActionStatus)
		assert.Equal(t, "ok", ev.MessageStatus)
		assert.Equal(t, "Ada Lovelace", ev.Username)
		assert.Equal(t, "3", ev.AutomationID)
	})

	t.Run("patch install prefers product name when present", func(t *testing.T) {
		m := base("PatchInstall")
		m["taskEndpointsEventTask"].(map[string]any)["taskProduct"] = map[string]any{"productName": "Chrome"}
		ev, err := ParseTaskEvent(marshal(m))
		require.NoError(t, err)
		assert.Equal(t, "Chrome", ev.PathOrProduct)
	})

	t.Run("run script", func(t *testing.T) {
		m := base("RunScript")
		m["taskEndpointsEventTask"].(map[string]any)["taskProduct"] = map[string]any{"productName": "PowerShell"}
		ev, err := ParseTaskEvent(marshal(m))
		require.NoError(t, err)
		assert.Equal(t, "PowerShell", ev.PathOrProduct)
		assert.Equal(t, "restart-service", ev.PathOrProductDesc)
		assert.Equal(t, "Completed", ev.ActionStatus)
		assert.Equal(t, "done>>exit 0", ev.MessageStatus)
	})

	t.Run("os upgrade", func(t *testing.T) {
		ev, err := ParseTaskEvent(marshal(base("ApplyPublisherOperatingSystemVersionsPatchs")))
		require.NoError(t, err)
		assert.Equal(t, "Windows 11", ev.PathOrProduct)
		assert.Equal(t, "Installed", ev.ActionStatus)
		assert.Equal(t, "ok", ev.MessageStatus)
	})

	t.Run("activate topia echoes task type, keeps patch path", func(t *testing.T) {
		ev, err := ParseTaskEvent(marshal(base("ActivateTopia")))
		require.NoError(t, err)
		assert.Equal(t, "ActivateTopia", ev.ActionStatus)
		assert.Empty(t, ev.MessageStatus)
		assert.Equal(t, "KB500100", ev.PathOrProduct)
		assert.Equal(t, "fixes>>things", ev.PathOrProductDesc)
	})

	t.Run("missing task object", func(t *testing.T) {
		_, err := ParseTaskEvent(json.RawMessage(`{"analyticsEventCreatedAt": 1}`))
		assert.Error(t, err)
	})
}

func TestParseVulnerability(t *testing.T) {
	t.Run("no linked patch uses placeholder", func(t *testing.T) {
		v, err := ParseVulnerability(json.RawMessage(`{
			"endpointVulnerabilityEndpoint": {"endpointName": "SRV-01", "endpointHash": "abc"},
			"endpointVulnerabilityVulnerability": {"vulnerabilityName": "CVE-2024-0001"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, `n\a`, v.PatchID)
		assert.Equal(t, `n\a`, v.PatchName)
		assert.Equal(t, `n\a`, v.PatchReleaseDate)
		assert.Equal(t, "CVE-2024-0001", v.CVE)
	})

	t.Run("linked patch", func(t *testing.T) {
		v, err := ParseVulnerability(json.RawMessage(`{
			"endpointVulnerabilityVulnerability": {
				"vulnerabilityName": "CVE-2024-0002",
				"vulnerabilityV3BaseScore": 9.8,
				"vulnerabilityPatch": {"patchId": "42", "patchName": "KB1", "patchReleaseDate": "1699999999999"}
			}
		}`))
		require.NoError(t, err)
		assert.Equal(t, "42", v.PatchID)
		assert.Equal(t, 9.8, v.V3BaseScore)
	})
}

func TestParseIncidentEvent(t *testing.T) {
	ev, err := ParseIncidentEvent(json.RawMessage(`{
		"incidentEventEndpoint": {"endpointId": 5, "endpointName": "SRV-02"},
		"incidentEventType": {"incidentEventTypeName": "MitigatedVulnerability"},
		"incidentEventVulnerability": {
			"vulnerabilityName": "CVE-2024-0003",
			"vulnerabilitySummary": "bad\nbug",
			"vulnerabilityThreatLevel": {"threatLevelId": 4}
		},
		"analyticsEventCreatedAt": 1700000500000,
		"mitigatedEventDetectionDate": 1700000000000
	}`))
	require.NoError(t, err)
	assert.Equal(t, int64(5), ev.AssetID)
	assert.Equal(t, "MitigatedVulnerability", ev.EventType)
	assert.Equal(t, "bad>>bug", ev.Summary)
	assert.Equal(t, int64(4), ev.ThreatLevelID)
	assert.Equal(t, int64(1700000000000), ev.DetectionDate)
}
