package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/vicarius"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *vicarius.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return vicarius.NewClient(srv.URL, "test-token", vicarius.WithRateBudget(1000000))
}

func writePage(w http.ResponseWriter, rows []string) {
	fmt.Fprintf(w, `{"serverResponseObject":[%s]}`, strings.Join(rows, ","))
}

// parseWindow pulls the greater-than and less-than bounds out of the
// query expression the scan sent.
func parseWindow(t *testing.T, q string) (gt, lt int64) {
	t.Helper()
	for _, clause := range strings.Split(q, ";") {
		if i := strings.Index(clause, ">"); i >= 0 {
			v, err := strconv.ParseInt(clause[i+1:], 10, 64)
			require.NoError(t, err)
			gt = v
		} else if i := strings.Index(clause, "<"); i >= 0 {
			v, err := strconv.ParseInt(clause[i+1:], 10, 64)
			require.NoError(t, err)
			lt = v
		}
	}
	return gt, lt
}

func TestOffsetScan(t *testing.T) {
	t.Run("drains across pages and stops on short page", func(t *testing.T) {
		const total = 250
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			from, _ := strconv.Atoi(r.URL.Query().Get("from"))
			size, _ := strconv.Atoi(r.URL.Query().Get("size"))

			var rows []string
			for i := from; i < from+size && i < total; i++ {
				rows = append(rows, fmt.Sprintf(`{"endpointId":%d,"endpointName":"ep-%d"}`, i, i))
			}
			writePage(w, rows)
		})

		endpoints, err := offsetScan(context.Background(), client, vicarius.EntityEndpoint,
			100, "", nil, vicarius.ParseEndpoint, zap.NewNop())
		require.NoError(t, err)
		assert.Len(t, endpoints, total)
		assert.Equal(t, "ep-0", endpoints[0].Name)
		assert.Equal(t, "ep-249", endpoints[total-1].Name)
	})

	t.Run("unparseable records are skipped", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writePage(w, []string{`{"endpointId":1,"endpointName":"good"}`, `{"endpointId":2}`})
		})

		parse := func(raw json.RawMessage) (vicarius.Endpoint, error) {
			e, err := vicarius.ParseEndpoint(raw)
			if err != nil {
				return e, err
			}
			if e.Name == "" {
				return e, fmt.Errorf("record has no name")
			}
			return e, nil
		}

		endpoints, err := offsetScan(context.Background(), client, vicarius.EntityEndpoint,
			100, "", nil, parse, zap.NewNop())
		require.NoError(t, err)
		require.Len(t, endpoints, 1)
		assert.Equal(t, "good", endpoints[0].Name)
	})

	t.Run("page error aborts the scan", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		_, err := offsetScan(context.Background(), client, vicarius.EntityEndpoint,
			100, "", nil, vicarius.ParseEndpoint, zap.NewNop())
		assert.Error(t, err)
	})
}

type tsRecord struct {
	TS int64 `json:"analyticsEventCreatedAt"`
}

func parseTS(raw json.RawMessage) (tsRecord, error) {
	var rec tsRecord
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

func TestWatermarkScan(t *testing.T) {
	t.Run("advances the window until the stream drains", func(t *testing.T) {
		stamps := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gt, lt := parseWindow(t, r.URL.Query().Get("q"))
			size, _ := strconv.Atoi(r.URL.Query().Get("size"))

			var rows []string
			for _, ts := range stamps {
				if ts > gt && ts < lt && len(rows) < size {
					rows = append(rows, fmt.Sprintf(`{"analyticsEventCreatedAt":%d}`, ts))
				}
			}
			writePage(w, rows)
		})

		events, cursor, err := watermarkScan(context.Background(), client,
			vicarius.EntityTaskEvent, 3, 0, 1000,
			func(r tsRecord) int64 { return r.TS },
			parseTS, zap.NewNop())
		require.NoError(t, err)
		assert.Len(t, events, len(stamps))
		assert.Equal(t, int64(100), cursor)
	})

	t.Run("window below the cursor stays untouched", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gt, _ := parseWindow(t, r.URL.Query().Get("q"))
			assert.Equal(t, int64(500), gt)
			writePage(w, nil)
		})

		events, cursor, err := watermarkScan(context.Background(), client,
			vicarius.EntityTaskEvent, 3, 500, 1000,
			func(r tsRecord) int64 { return r.TS },
			parseTS, zap.NewNop())
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.Equal(t, int64(500), cursor)
	})

	t.Run("non-advancing window aborts instead of looping", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			// ignores the window and always serves the same record
			writePage(w, []string{`{"analyticsEventCreatedAt":5}`})
		})

		_, _, err := watermarkScan(context.Background(), client,
			vicarius.EntityTaskEvent, 3, 0, 1000,
			func(r tsRecord) int64 { return r.TS },
			parseTS, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stalled")
	})
}

func TestDedupeEndpoints(t *testing.T) {
	endpoints := []vicarius.Endpoint{
		{ID: 1, Name: "beta", UpdatedAt: 100},
		{ID: 2, Name: "alpha", UpdatedAt: 300},
		{ID: 3, Name: "beta", UpdatedAt: 200},
	}

	deduped := DedupeEndpoints(endpoints)
	require.Len(t, deduped, 2)
	assert.Equal(t, "alpha", deduped[0].Name)
	assert.Equal(t, "beta", deduped[1].Name)
	assert.Equal(t, int64(3), deduped[1].ID)
}

func TestGroupIndex(t *testing.T) {
	index := NewGroupIndex([]vicarius.Group{
		{Name: "Servers", Members: []string{"srv"}},
		{Name: "Workstations", Members: []string{"ws-01"}},
	})

	assert.Equal(t, "Servers", index.GroupFor("srv-database-01"))
	assert.Equal(t, "Workstations", index.GroupFor("ws-01"))
	assert.Equal(t, "", index.GroupFor("laptop-99"))
}
