package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kvflow/kvflow/pkg/pipeline"
	"github.com/kvflow/kvflow/pkg/query"
	serverErrors "github.com/kvflow/kvflow/pkg/server/errors"
)

const maxObjectBodyBytes = 1 << 20

type putObjectRequest struct {
	Indexes map[string]string `json:"indexes"`
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req putObjectRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxObjectBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		serverErrors.Write(w, serverErrors.InvalidRequest(fmt.Sprintf("invalid object body: %v", err)))
		return
	}

	if err := s.writer.Put(r.Context(), vars["bucket"], vars["key"], req.Indexes); err != nil {
		s.writeError(w, r, "put object failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.writer.Delete(r.Context(), vars["bucket"], vars["key"]); err != nil {
		s.writeError(w, r, "delete object failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) equalityQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.runQuery(w, r, query.Equality{Index: vars["index"], Value: vars["value"]})
}

func (s *Server) rangeQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.runQuery(w, r, query.Range{Index: vars["index"], Start: vars["start"], End: vars["end"]})
}

// runQuery streams every key matching q as one JSON object per line.
func (s *Server) runQuery(w http.ResponseWriter, r *http.Request, q query.Query) {
	ctx := r.Context()

	target, timeout, err := s.parseQueryParams(r)
	if err != nil {
		serverErrors.Write(w, err)
		return
	}

	stream := newRecordStream(w)
	if err := s.streamQuery(ctx, stream.Spec(), target, q, timeout); err != nil {
		s.logQueryFailure(ctx, target, q, stream.fail(err), err)
		return
	}
	stream.finish()
}

// streamQuery queues the keys matching q into a response pipeline whose only
// fitting is spec. Records handed to the pipeline before a failure are still
// processed by the time it returns.
func (s *Server) streamQuery(ctx context.Context, spec pipeline.FittingSpec, target query.Target, q query.Query, timeout time.Duration) error {
	downstream, err := pipeline.Build(ctx, []pipeline.FittingSpec{spec},
		pipeline.WithBufferCapacity(s.pipeCapacity),
		pipeline.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("building response pipeline: %w", err)
	}

	queryErr := s.querier.QueueExistingPipe(ctx, downstream, target, q, timeout)

	// ending twice is harmless
	if err := downstream.EndOfInput(); err != nil && queryErr == nil {
		s.logger.WarnWithContext(ctx, "finishing response pipeline", zap.Error(err))
	}
	return queryErr
}

func (s *Server) logQueryFailure(ctx context.Context, target query.Target, q query.Query, encoded *serverErrors.EncodedError, err error) {
	fields := []zap.Field{
		zap.String("bucket", target.Bucket),
		zap.String("query", q.String()),
		zap.String("code", encoded.Code),
		zap.Error(err),
	}
	if encoded.Code == serverErrors.CodeInternalError {
		s.logger.ErrorWithContext(ctx, "index query failed", fields...)
		return
	}
	s.logger.InfoWithContext(ctx, "index query failed", fields...)
}

func (s *Server) parseQueryParams(r *http.Request) (query.Target, time.Duration, error) {
	params := r.URL.Query()
	target := query.Target{Bucket: mux.Vars(r)["bucket"]}

	for _, raw := range params["filter"] {
		f, err := query.ParseKeyFilter(raw)
		if err != nil {
			return target, 0, serverErrors.InvalidRequest(err.Error())
		}
		target.Filters = append(target.Filters, f)
	}

	timeout, err := s.resolveTimeout(params.Get("timeout"))
	return target, timeout, err
}

// resolveTimeout parses a requested scan timeout. Empty means the default
// timeout; anything above the maximum is capped.
func (s *Server) resolveTimeout(raw string) (time.Duration, error) {
	timeout := s.scanTimeout
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return 0, serverErrors.InvalidRequest(fmt.Sprintf("invalid timeout %q", raw))
		}
		timeout = d
	}
	if s.maxScanTimeout > 0 && timeout > s.maxScanTimeout {
		timeout = s.maxScanTimeout
	}
	return timeout, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	encoded := serverErrors.Write(w, err)
	if encoded.HTTPStatus >= http.StatusInternalServerError {
		s.logger.ErrorWithContext(r.Context(), msg, zap.Error(err))
		return
	}
	s.logger.DebugWithContext(r.Context(), msg, zap.Error(err))
}
