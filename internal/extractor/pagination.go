package extractor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/vicarius"
)

// maxPages bounds any single pagination scan. A scan that has not drained
// after this many pages is assumed stuck (the historical failure mode was a
// non-advancing offset) and is aborted rather than looped forever.
const maxPages = 100000

// offsetScan drives an offset/size scan to exhaustion. The offset advances
// by pageSize after every full page; a page shorter than pageSize ends the
// scan. Individual records that fail to parse are logged and skipped, a
// failed page request aborts the scan for this entity.
func offsetScan[T any](
	ctx context.Context,
	client *vicarius.Client,
	entity string,
	pageSize int,
	sort string,
	query *vicarius.Query,
	parse func(json.RawMessage) (T, error),
	logger *zap.Logger,
) ([]T, error) {
	var out []T

	offset := 0
	for page := 0; page < maxPages; page++ {
		rows, err := client.Filter(ctx, entity, vicarius.PageParams{
			From:  offset,
			Size:  pageSize,
			Sort:  sort,
			Query: query,
		})
		if err != nil {
			return out, fmt.Errorf("%s page at offset %d: %w", entity, offset, err)
		}

		for _, raw := range rows {
			rec, err := parse(raw)
			if err != nil {
				logger.Warn("skipping unparseable record",
					zap.String("entity", entity), zap.Error(err))
				continue
			}
			out = append(out, rec)
		}

		if len(rows) < pageSize {
			return out, nil
		}
		offset += pageSize
	}

	return out, fmt.Errorf("%s scan exceeded %d pages without draining", entity, maxPages)
}

// watermarkScan drives a time-windowed scan for append-only event streams.
// Each page is bounded below by the highest timestamp already seen; the
// scan ends on an empty page. The lower bound must strictly advance between
// pages, otherwise the scan aborts instead of refetching the same window.
func watermarkScan[T any](
	ctx context.Context,
	client *vicarius.Client,
	entity string,
	pageSize int,
	minTS, maxTS int64,
	timestampOf func(T) int64,
	parse func(json.RawMessage) (T, error),
	logger *zap.Logger,
) ([]T, int64, error) {
	var out []T

	lowerBound := minTS
	for page := 0; page < maxPages; page++ {
		query := (&vicarius.Query{}).
			Gt(vicarius.EventCreatedAtField, lowerBound).
			Lt(vicarius.EventCreatedAtField, maxTS)

		rows, err := client.Filter(ctx, entity, vicarius.PageParams{
			From:  0,
			Size:  pageSize,
			Sort:  vicarius.EventCreatedAtField,
			Query: query,
		})
		if err != nil {
			return out, lowerBound, fmt.Errorf("%s window from %d: %w", entity, lowerBound, err)
		}
		if len(rows) == 0 {
			return out, lowerBound, nil
		}

		pageMax := lowerBound
		for _, raw := range rows {
			rec, err := parse(raw)
			if err != nil {
				logger.Warn("skipping unparseable record",
					zap.String("entity", entity), zap.Error(err))
				continue
			}
			out = append(out, rec)
			if ts := timestampOf(rec); ts > pageMax {
				pageMax = ts
			}
		}

		if pageMax <= lowerBound {
			return out, lowerBound, fmt.Errorf(
				"%s window stalled at %d: page produced no newer timestamps", entity, lowerBound)
		}
		lowerBound = pageMax
	}

	return out, lowerBound, fmt.Errorf("%s scan exceeded %d pages without draining", entity, maxPages)
}
