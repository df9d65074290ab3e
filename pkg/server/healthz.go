package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/kvflow/kvflow/pkg/server/health"
)

// newHealthzGateway answers /healthz from the gRPC health service. Any
// status but SERVING is reported as NOT_SERVING with the matching HTTP code.
func newHealthzGateway(conn grpc.ClientConnInterface) http.Handler {
	return runtime.NewServeMux(
		runtime.WithHealthzEndpoint(healthv1pb.NewHealthClient(conn)),
		runtime.WithErrorHandler(func(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, err error) {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(runtime.HTTPStatusFromCode(status.Code(err)))
			_ = json.NewEncoder(w).Encode(map[string]string{"status": health.StatusNotServing})
		}),
	)
}
