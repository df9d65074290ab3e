package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/indexscan"
	"github.com/kvflow/kvflow/pkg/pipeline"
	serverErrors "github.com/kvflow/kvflow/pkg/server/errors"
)

const ndjsonContentType = "application/x-ndjson"

// recordStream is the single worker of a response pipeline. It writes every
// record it receives to the HTTP response as one JSON line.
type recordStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	started bool
}

type streamError struct {
	Error *serverErrors.EncodedError `json:"error"`
}

func newRecordStream(w http.ResponseWriter) *recordStream {
	return &recordStream{w: w, enc: json.NewEncoder(w)}
}

func (rs *recordStream) Spec() pipeline.FittingSpec {
	return pipeline.FittingSpec{
		Name: "http_response",
		New: func(ring.Partition, pipeline.Sink) (pipeline.Worker, error) {
			return rs, nil
		},
	}
}

func (rs *recordStream) start() {
	if rs.started {
		return
	}
	rs.started = true
	rs.w.Header().Set("content-type", ndjsonContentType)
	rs.w.WriteHeader(http.StatusOK)
}

func (rs *recordStream) Process(_ context.Context, input any) error {
	record, ok := input.(indexscan.Record)
	if !ok {
		return fmt.Errorf("unexpected response item %T", input)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.start()
	if err := rs.enc.Encode(record); err != nil {
		return err
	}
	if f, ok := rs.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (rs *recordStream) Finalize(context.Context) error {
	return nil
}

// fail reports err. Before the first record it becomes the response status;
// afterwards it is appended as a final error line.
func (rs *recordStream) fail(err error) *serverErrors.EncodedError {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.started {
		return serverErrors.Write(rs.w, err)
	}

	encoded := serverErrors.Encode(err)
	_ = rs.enc.Encode(streamError{Error: encoded})
	return encoded
}

// finish completes an empty result with a 200 response.
func (rs *recordStream) finish() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.start()
}
