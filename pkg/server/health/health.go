// Package health contains the checks that report the health of a kvflow server,
// both as the standard gRPC health service and as a plain HTTP endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	StatusServing    = "SERVING"
	StatusNotServing = "NOT_SERVING"
)

// TargetService defines an interface that services can implement for server health checks.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

type Checker struct {
	healthv1pb.UnimplementedHealthServer
	TargetService
	TargetServiceName string

	// Timeout bounds a single readiness check. Zero means one second.
	Timeout time.Duration
}

var _ healthv1pb.HealthServer = (*Checker)(nil)

func (o *Checker) ready(ctx context.Context) bool {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ready, err := o.IsReady(ctx)
	return err == nil && ready
}

func (o *Checker) Check(ctx context.Context, req *healthv1pb.HealthCheckRequest) (*healthv1pb.HealthCheckResponse, error) {
	requestedService := req.GetService()
	if requestedService != "" && requestedService != o.TargetServiceName {
		return nil, status.Errorf(codes.NotFound, "service '%s' is not registered with the Health server", requestedService)
	}

	if !o.ready(ctx) {
		return &healthv1pb.HealthCheckResponse{Status: healthv1pb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthv1pb.HealthCheckResponse{Status: healthv1pb.HealthCheckResponse_SERVING}, nil
}

func (o *Checker) Watch(*healthv1pb.HealthCheckRequest, healthv1pb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "unimplemented streaming endpoint")
}

type response struct {
	Status string `json:"status"`
}

// ServeHTTP answers /healthz when no gRPC gateway serves it.
func (o *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state, code := StatusServing, http.StatusOK
	if !o.ready(r.Context()) {
		state, code = StatusNotServing, http.StatusServiceUnavailable
	}

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response{Status: state})
}
