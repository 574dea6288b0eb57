package extractor

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/vicarius"
)

// EndpointFetcher pages through the endpoint inventory.
type EndpointFetcher struct {
	client   *vicarius.Client
	pageSize int
	logger   *zap.Logger
}

func NewEndpointFetcher(client *vicarius.Client, pageSize int, logger *zap.Logger) *EndpointFetcher {
	return &EndpointFetcher{client: client, pageSize: pageSize, logger: logger}
}

func (f *EndpointFetcher) FetchAll(ctx context.Context) ([]vicarius.Endpoint, error) {
	return offsetScan(ctx, f.client, vicarius.EntityEndpoint, f.pageSize,
		"-endpointUpdatedAt", nil, vicarius.ParseEndpoint, f.logger)
}

// DedupeEndpoints collapses the inventory to one record per hostname,
// keeping the most recently updated one. The per-endpoint vulnerability and
// patch scans iterate this set, so duplicates here multiply remote calls.
func DedupeEndpoints(endpoints []vicarius.Endpoint) []vicarius.Endpoint {
	latest := make(map[string]vicarius.Endpoint, len(endpoints))
	for _, e := range endpoints {
		if cur, ok := latest[e.Name]; !ok || e.UpdatedAt > cur.UpdatedAt {
			latest[e.Name] = e
		}
	}

	out := make([]vicarius.Endpoint, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GroupFetcher pages through organization groups.
type GroupFetcher struct {
	client   *vicarius.Client
	pageSize int
	logger   *zap.Logger
}

func NewGroupFetcher(client *vicarius.Client, pageSize int, logger *zap.Logger) *GroupFetcher {
	return &GroupFetcher{client: client, pageSize: pageSize, logger: logger}
}

func (f *GroupFetcher) FetchAll(ctx context.Context) ([]vicarius.Group, error) {
	return offsetScan(ctx, f.client, vicarius.EntityGroup, f.pageSize,
		"organizationGroupName", nil, vicarius.ParseGroup, f.logger)
}

// GroupIndex resolves an endpoint's group by substring-matching the
// endpoint name against the cached group membership table. Built once per
// run and read-only afterward.
type GroupIndex struct {
	groups []vicarius.Group
}

func NewGroupIndex(groups []vicarius.Group) *GroupIndex {
	return &GroupIndex{groups: groups}
}

// GroupFor returns the first group with a member name matching the
// endpoint, or empty when the endpoint belongs to no group.
func (gi *GroupIndex) GroupFor(endpointName string) string {
	for _, g := range gi.groups {
		for _, member := range g.Members {
			if member == endpointName || strings.Contains(endpointName, member) {
				return g.Name
			}
		}
	}
	return ""
}

// ProductFetcher pages through the installed-product inventory.
type ProductFetcher struct {
	client   *vicarius.Client
	pageSize int
	logger   *zap.Logger
}

func NewProductFetcher(client *vicarius.Client, pageSize int, logger *zap.Logger) *ProductFetcher {
	return &ProductFetcher{client: client, pageSize: pageSize, logger: logger}
}

func (f *ProductFetcher) FetchAll(ctx context.Context) ([]vicarius.Product, error) {
	return offsetScan(ctx, f.client, vicarius.EntityProduct, f.pageSize,
		"productName", nil, vicarius.ParseProduct, f.logger)
}
