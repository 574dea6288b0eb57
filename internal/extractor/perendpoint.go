package extractor

import (
	"context"

	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/vicarius"
)

// VulnerabilityFetcher pages through the vulnerabilities of a single
// endpoint, filtered by asset hash. One scan per unique hostname; the
// driver dedupes the endpoint set first because this is the dominant cost
// of a full run.
type VulnerabilityFetcher struct {
	client   *vicarius.Client
	pageSize int
	logger   *zap.Logger
}

func NewVulnerabilityFetcher(client *vicarius.Client, pageSize int, logger *zap.Logger) *VulnerabilityFetcher {
	return &VulnerabilityFetcher{client: client, pageSize: pageSize, logger: logger}
}

func (f *VulnerabilityFetcher) FetchForEndpoint(ctx context.Context, endpoint vicarius.Endpoint) ([]vicarius.Vulnerability, error) {
	query := (&vicarius.Query{}).Eq("endpointVulnerabilityEndpoint.endpointHash", endpoint.Hash)
	return offsetScan(ctx, f.client, vicarius.EntityVulnerability, f.pageSize,
		"vulnerabilityName", query, vicarius.ParseVulnerability, f.logger)
}

// PatchFetcher pages through the missing patches of a single endpoint,
// filtered by endpoint name.
type PatchFetcher struct {
	client   *vicarius.Client
	pageSize int
	logger   *zap.Logger
}

func NewPatchFetcher(client *vicarius.Client, pageSize int, logger *zap.Logger) *PatchFetcher {
	return &PatchFetcher{client: client, pageSize: pageSize, logger: logger}
}

func (f *PatchFetcher) FetchForEndpoint(ctx context.Context, endpoint vicarius.Endpoint) ([]vicarius.Patch, error) {
	query := (&vicarius.Query{}).Eq("organizationEndpointPatchEndpoint.endpointName", endpoint.Name)
	return offsetScan(ctx, f.client, vicarius.EntityPatch, f.pageSize,
		"patchName", query, vicarius.ParsePatch, f.logger)
}
