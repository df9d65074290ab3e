// Package logging logs the outcome of every gRPC call.
package logging

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kvflow/kvflow/pkg/logger"
)

const (
	grpcServiceKey     = "grpc_service"
	grpcMethodKey      = "grpc_method"
	grpcTypeKey        = "grpc_type"
	grpcCodeKey        = "grpc_code"
	traceIDKey         = "trace_id"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"
	messagesSentKey    = "grpc_messages_sent"
	grpcReqCompleteKey = "grpc_req_complete"
	healthCheckService = "grpc.health.v1.Health"
	userAgentHeader    = "user-agent"
	gatewayAgentHeader = "grpcgateway-user-agent"
)

// NewLoggingInterceptor creates a new logging interceptor for gRPC unary server requests.
// Health checks are not logged.
func NewLoggingInterceptor(l logger.Logger) grpc.UnaryServerInterceptor {
	return interceptors.UnaryServerInterceptor(reportable(l))
}

// NewStreamingLoggingInterceptor creates a new streaming logging interceptor for gRPC stream server requests.
func NewStreamingLoggingInterceptor(l logger.Logger) grpc.StreamServerInterceptor {
	return interceptors.StreamServerInterceptor(reportable(l))
}

type reporter struct {
	ctx    context.Context
	logger logger.Logger
	fields []zap.Field
	sent   atomic.Int64
}

// PostCall is invoked after all PostMsgSend operations.
func (r *reporter) PostCall(err error, rpcDuration time.Duration) {
	fields := append(r.fields,
		zap.Int64(queryDurationKey, rpcDuration.Milliseconds()),
		zap.Int64(messagesSentKey, r.sent.Load()),
	)
	fields = append(fields, ctxzap.TagsToFields(r.ctx)...)

	code := status.Code(err)
	fields = append(fields, zap.String(grpcCodeKey, code.String()))

	if err != nil {
		fields = append(fields, zap.Error(err))
		if code == codes.Internal || code == codes.Unknown {
			r.logger.Error(grpcReqCompleteKey, fields...)
			return
		}
	}

	r.logger.Info(grpcReqCompleteKey, fields...)
}

// PostMsgSend is invoked once after a unary response or multiple times in
// streaming requests after each message has been sent.
func (r *reporter) PostMsgSend(_ any, err error, _ time.Duration) {
	if err == nil {
		r.sent.Add(1)
	}
}

func (r *reporter) PostMsgReceive(any, error, time.Duration) {}

// userAgentFromContext prefers the agent of the HTTP client behind the gateway.
func userAgentFromContext(ctx context.Context) (string, bool) {
	if headers, ok := metadata.FromIncomingContext(ctx); ok {
		if header := headers.Get(gatewayAgentHeader); len(header) > 0 {
			return header[0], true
		}
		if header := headers.Get(userAgentHeader); len(header) > 0 {
			return header[0], true
		}
	}
	return "", false
}

func reportable(l logger.Logger) interceptors.CommonReportableFunc {
	return func(ctx context.Context, c interceptors.CallMeta) (interceptors.Reporter, context.Context) {
		if c.Service == healthCheckService {
			return interceptors.NoopReporter{}, ctx
		}

		fields := []zap.Field{
			zap.String(grpcServiceKey, c.Service),
			zap.String(grpcMethodKey, c.Method),
			zap.String(grpcTypeKey, string(c.Typ)),
		}

		spanCtx := trace.SpanContextFromContext(ctx)
		if spanCtx.HasTraceID() {
			fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
		}

		if userAgent, ok := userAgentFromContext(ctx); ok {
			fields = append(fields, zap.String(userAgentKey, userAgent))
		}

		return &reporter{ctx: ctx, logger: l, fields: fields}, ctx
	}
}
