package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvflow/kvflow/internal/coverage"
	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/bridge"
	"github.com/kvflow/kvflow/pkg/indexscan"
	"github.com/kvflow/kvflow/pkg/logger"
	"github.com/kvflow/kvflow/pkg/middleware/requestid"
	"github.com/kvflow/kvflow/pkg/query"
	serverErrors "github.com/kvflow/kvflow/pkg/server/errors"
	"github.com/kvflow/kvflow/pkg/storage/pebblekv"
)

func newTestServer(t *testing.T, opts ...ServerOption) (http.Handler, *pebblekv.Node) {
	t.Helper()
	svr, node := newNodeServer(t, opts...)
	return svr.Handler(), node
}

func newNodeServer(t *testing.T, opts ...ServerOption) (*Server, *pebblekv.Node) {
	t.Helper()

	r, err := ring.New(8)
	require.NoError(t, err)
	nvals, err := ring.NewStaticNVals(3, nil)
	require.NoError(t, err)

	node, err := pebblekv.New(r, nvals)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = node.Close()
	})

	b := bridge.New(node, coverage.NewDispatcher(r), nvals, bridge.WithBatchSize(4))
	opts = append([]ServerOption{WithReadiness(node)}, opts...)
	return New(node, b, opts...), node
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func putPerson(t *testing.T, h http.Handler, key string, age int, team string) {
	t.Helper()
	body := fmt.Sprintf(`{"indexes":{"age_int":"%d","team":%q}}`, age, team)
	rec := do(t, h, http.MethodPut, "/buckets/people/keys/"+key, body)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

type streamLine struct {
	Bucket string                     `json:"bucket"`
	Key    string                     `json:"key"`
	Error  *serverErrors.EncodedError `json:"error"`
}

func readLines(t *testing.T, rec *httptest.ResponseRecorder) []streamLine {
	t.Helper()
	var lines []streamLine
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var line streamLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func streamedKeys(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var keys []string
	for _, line := range readLines(t, rec) {
		require.Nil(t, line.Error)
		require.Equal(t, "people", line.Bucket)
		keys = append(keys, line.Key)
	}
	sort.Strings(keys)
	return keys
}

func TestIndexQueries(t *testing.T) {
	h, _ := newTestServer(t)

	for i := range 20 {
		putPerson(t, h, fmt.Sprintf("person-%02d", i), 20+i, []string{"red", "blue"}[i%2])
	}

	t.Run("equality", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/buckets/people/index/age_int/25", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, ndjsonContentType, rec.Header().Get("content-type"))
		require.Equal(t, []string{"person-05"}, streamedKeys(t, rec))
	})

	t.Run("range", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/buckets/people/index/age_int/30/34", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, []string{"person-10", "person-11", "person-12", "person-13", "person-14"}, streamedKeys(t, rec))
	})

	t.Run("key_filters", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/buckets/people/index/team/red?filter=starts_with:person-1&filter=ends_with:4", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, []string{"person-14"}, streamedKeys(t, rec))
	})

	t.Run("no_matches", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/buckets/people/index/team/green", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, ndjsonContentType, rec.Header().Get("content-type"))
		require.Empty(t, rec.Body.String())
	})

	t.Run("delete_removes_index_entries", func(t *testing.T) {
		rec := do(t, h, http.MethodDelete, "/buckets/people/keys/person-05", "")
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, h, http.MethodGet, "/buckets/people/index/age_int/25", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, streamedKeys(t, rec))
	})

	t.Run("overwrite_moves_index_entries", func(t *testing.T) {
		putPerson(t, h, "person-06", 99, "red")

		rec := do(t, h, http.MethodGet, "/buckets/people/index/age_int/26", "")
		require.Empty(t, streamedKeys(t, rec))

		rec = do(t, h, http.MethodGet, "/buckets/people/index/age_int/99", "")
		require.Equal(t, []string{"person-06"}, streamedKeys(t, rec))
	})
}

func TestInvalidRequests(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "malformed_body", method: http.MethodPut, target: "/buckets/people/keys/a", body: `{"indexes":`},
		{name: "unknown_field", method: http.MethodPut, target: "/buckets/people/keys/a", body: `{"idx":{}}`},
		{name: "non_integer_int_index", method: http.MethodPut, target: "/buckets/people/keys/a", body: `{"indexes":{"age_int":"old"}}`},
		{name: "non_integer_query", method: http.MethodGet, target: "/buckets/people/index/age_int/old"},
		{name: "inverted_range", method: http.MethodGet, target: "/buckets/people/index/age_int/40/30"},
		{name: "bad_filter", method: http.MethodGet, target: "/buckets/people/index/team/red?filter=contains:x"},
		{name: "bad_filter_pattern", method: http.MethodGet, target: "/buckets/people/index/team/red?filter=matches:("},
		{name: "bad_timeout", method: http.MethodGet, target: "/buckets/people/index/team/red?timeout=soon"},
		{name: "negative_timeout", method: http.MethodGet, target: "/buckets/people/index/team/red?timeout=-1s"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := do(t, h, test.method, test.target, test.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var encoded serverErrors.EncodedError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &encoded))
			require.Equal(t, serverErrors.CodeInvalidRequest, encoded.Code)
			require.NotEmpty(t, encoded.Message)
		})
	}
}

type fakeQuerier struct {
	records []indexscan.Record
	err     error
	timeout time.Duration
}

func (f *fakeQuerier) QueueExistingPipe(ctx context.Context, downstream bridge.Downstream, _ query.Target, _ query.Query, timeout time.Duration) error {
	f.timeout = timeout
	sink := downstream.Entry()
	for _, rec := range f.records {
		if err := sink.Send(ctx, rec); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	sink.EndOfInput()
	return nil
}

type nopWriter struct{}

func (nopWriter) Put(context.Context, string, string, map[string]string) error { return nil }
func (nopWriter) Delete(context.Context, string, string) error                 { return nil }

func TestQueryFailures(t *testing.T) {
	t.Run("timeout_before_results", func(t *testing.T) {
		h := New(nopWriter{}, &fakeQuerier{err: bridge.ErrTimeout}).Handler()

		rec := do(t, h, http.MethodGet, "/buckets/people/index/team/red", "")
		require.Equal(t, http.StatusGatewayTimeout, rec.Code)

		var encoded serverErrors.EncodedError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &encoded))
		require.Equal(t, serverErrors.CodeTimeout, encoded.Code)
	})

	t.Run("coverage_failure_before_results", func(t *testing.T) {
		err := &bridge.CoverageError{Reason: fmt.Errorf("vnode 3 unavailable")}
		h := New(nopWriter{}, &fakeQuerier{err: err}).Handler()

		rec := do(t, h, http.MethodGet, "/buckets/people/index/team/red", "")
		require.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("failure_after_results_appends_error_line", func(t *testing.T) {
		q := &fakeQuerier{
			records: []indexscan.Record{{Bucket: "people", Key: "a"}, {Bucket: "people", Key: "b"}},
			err:     bridge.ErrTimeout,
		}
		h := New(nopWriter{}, q).Handler()

		rec := do(t, h, http.MethodGet, "/buckets/people/index/team/red", "")
		require.Equal(t, http.StatusOK, rec.Code)

		lines := readLines(t, rec)
		require.Len(t, lines, 3)
		last := lines[len(lines)-1]
		require.NotNil(t, last.Error)
		require.Equal(t, serverErrors.CodeTimeout, last.Error.Code)

		for _, line := range lines[:len(lines)-1] {
			require.Nil(t, line.Error)
			require.Contains(t, []string{"a", "b"}, line.Key)
		}
	})

	t.Run("internal_errors_are_hidden", func(t *testing.T) {
		h := New(nopWriter{}, &fakeQuerier{err: fmt.Errorf("disk on fire")}).Handler()

		rec := do(t, h, http.MethodGet, "/buckets/people/index/team/red", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NotContains(t, rec.Body.String(), "disk on fire")
	})
}

func TestTimeoutParameter(t *testing.T) {
	q := &fakeQuerier{}
	h := New(nopWriter{}, q, WithScanTimeout(2*time.Second, 10*time.Second)).Handler()

	rec := do(t, h, http.MethodGet, "/buckets/people/index/team/red", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2*time.Second, q.timeout)

	rec = do(t, h, http.MethodGet, "/buckets/people/index/team/red?timeout=500ms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 500*time.Millisecond, q.timeout)

	rec = do(t, h, http.MethodGet, "/buckets/people/index/team/red?timeout=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10*time.Second, q.timeout)
}

func TestHealthz(t *testing.T) {
	h, node := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"SERVING"}`, rec.Body.String())

	require.NoError(t, node.Close())

	rec = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddleware(t *testing.T) {
	log, logs := logger.NewObserverLogger("debug")
	h := New(nopWriter{}, &fakeQuerier{}, WithLogger(log), WithCORS([]string{"https://example.com"}, []string{"*"})).Handler()

	t.Run("request_id", func(t *testing.T) {
		rec := do(t, h, http.MethodDelete, "/buckets/people/keys/a", "")
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.NotEmpty(t, rec.Header().Get(requestid.RequestIDHeader))
	})

	t.Run("cors_preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/buckets/people/index/team/red", nil)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown_route", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/buckets/people", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	require.Zero(t, logs.FilterMessage("index query failed").Len())
}
