package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kvflow/kvflow/internal/ring"
	"github.com/kvflow/kvflow/pkg/indexscan"
	"github.com/kvflow/kvflow/pkg/pipeline"
	"github.com/kvflow/kvflow/pkg/query"
	serverErrors "github.com/kvflow/kvflow/pkg/server/errors"
	"github.com/kvflow/kvflow/pkg/server/health"
)

const (
	IndexServiceName = "kvflow.v1.IndexService"

	streamIndexQueryMethod = "/" + IndexServiceName + "/StreamIndexQuery"
)

// Fields of StreamIndexQuery requests and results. A request names the
// bucket and index plus either a value or a start and end, and optionally
// key filters in the "op:arg" form and a timeout such as "500ms".
const (
	FieldBucket  = "bucket"
	FieldKey     = "key"
	FieldIndex   = "index"
	FieldValue   = "value"
	FieldStart   = "start"
	FieldEnd     = "end"
	FieldFilters = "filters"
	FieldTimeout = "timeout"
)

// IndexServiceServer streams the keys matching an index query. Requests and
// results are google.protobuf.Struct messages.
type IndexServiceServer interface {
	StreamIndexQuery(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

var _ IndexServiceServer = (*Server)(nil)

var IndexServiceDesc = grpc.ServiceDesc{
	ServiceName: IndexServiceName,
	HandlerType: (*IndexServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamIndexQuery",
			Handler:       streamIndexQueryHandler,
			ServerStreams: true,
		},
	},
	Metadata: "kvflow/v1/index_service",
}

func streamIndexQueryHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(IndexServiceServer).StreamIndexQuery(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// IndexServiceClient calls the index service.
type IndexServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewIndexServiceClient(cc grpc.ClientConnInterface) *IndexServiceClient {
	return &IndexServiceClient{cc: cc}
}

func (c *IndexServiceClient) StreamIndexQuery(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &IndexServiceDesc.Streams[0], streamIndexQueryMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// NewIndexQueryRequest builds a StreamIndexQuery request. A zero timeout
// leaves the choice to the server.
func NewIndexQueryRequest(target query.Target, q query.Query, timeout time.Duration) (*structpb.Struct, error) {
	fields := map[string]any{FieldBucket: target.Bucket}

	switch q := q.(type) {
	case query.Equality:
		fields[FieldIndex] = q.Index
		fields[FieldValue] = q.Value
	case query.Range:
		fields[FieldIndex] = q.Index
		fields[FieldStart] = q.Start
		fields[FieldEnd] = q.End
	default:
		return nil, fmt.Errorf("%w: unsupported query %T", query.ErrInvalidQuery, q)
	}

	if len(target.Filters) > 0 {
		filters := make([]any, 0, len(target.Filters))
		for _, f := range target.Filters {
			filters = append(filters, f.String())
		}
		fields[FieldFilters] = filters
	}

	if timeout > 0 {
		fields[FieldTimeout] = timeout.String()
	}

	return structpb.NewStruct(fields)
}

// RecordFromMessage reads a StreamIndexQuery result.
func RecordFromMessage(msg *structpb.Struct) indexscan.Record {
	fields := msg.GetFields()
	return indexscan.Record{
		Bucket: fields[FieldBucket].GetStringValue(),
		Key:    fields[FieldKey].GetStringValue(),
	}
}

func recordMessage(record indexscan.Record) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldBucket: structpb.NewStringValue(record.Bucket),
		FieldKey:    structpb.NewStringValue(record.Key),
	}}
}

// RegisterGRPC registers the index service and the standard health service.
func (s *Server) RegisterGRPC(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&IndexServiceDesc, s)
	healthv1pb.RegisterHealthServer(registrar, &health.Checker{
		TargetService:     s.readiness,
		TargetServiceName: IndexServiceName,
	})
}

// StreamIndexQuery sends every key matching the requested query as soon as
// its vnode scan produces it. Failures end the stream with a status error.
func (s *Server) StreamIndexQuery(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()

	target, q, timeout, err := s.parseIndexQueryRequest(req)
	if err != nil {
		return serverErrors.ToGRPC(err)
	}

	sender := &recordSender{stream: stream}
	if err := s.streamQuery(ctx, sender.Spec(), target, q, timeout); err != nil {
		s.logQueryFailure(ctx, target, q, serverErrors.Encode(err), err)
		return serverErrors.ToGRPC(err)
	}
	return nil
}

func (s *Server) parseIndexQueryRequest(req *structpb.Struct) (query.Target, query.Query, time.Duration, error) {
	fields := req.AsMap()
	for name, v := range fields {
		switch name {
		case FieldFilters:
		case FieldBucket, FieldIndex, FieldValue, FieldStart, FieldEnd, FieldTimeout:
			if _, ok := v.(string); !ok {
				return query.Target{}, nil, 0, serverErrors.InvalidRequest(fmt.Sprintf("field %q must be a string", name))
			}
		default:
			return query.Target{}, nil, 0, serverErrors.InvalidRequest(fmt.Sprintf("unknown field %q", name))
		}
	}

	str := func(name string) (string, bool) {
		v, ok := fields[name].(string)
		return v, ok
	}
	bucket, _ := str(FieldBucket)
	index, _ := str(FieldIndex)
	value, hasValue := str(FieldValue)
	start, hasStart := str(FieldStart)
	end, hasEnd := str(FieldEnd)
	rawTimeout, _ := str(FieldTimeout)

	target := query.Target{Bucket: bucket}
	if raw, ok := fields[FieldFilters]; ok {
		list, ok := raw.([]any)
		if !ok {
			return target, nil, 0, serverErrors.InvalidRequest(fmt.Sprintf("field %q must be a list of strings", FieldFilters))
		}
		for _, item := range list {
			spec, ok := item.(string)
			if !ok {
				return target, nil, 0, serverErrors.InvalidRequest(fmt.Sprintf("field %q must be a list of strings", FieldFilters))
			}
			f, err := query.ParseKeyFilter(spec)
			if err != nil {
				return target, nil, 0, serverErrors.InvalidRequest(err.Error())
			}
			target.Filters = append(target.Filters, f)
		}
	}

	var q query.Query
	switch {
	case hasValue && !hasStart && !hasEnd:
		q = query.Equality{Index: index, Value: value}
	case !hasValue && hasStart && hasEnd:
		q = query.Range{Index: index, Start: start, End: end}
	default:
		return target, nil, 0, serverErrors.InvalidRequest(fmt.Sprintf("a query needs either %q or both %q and %q", FieldValue, FieldStart, FieldEnd))
	}

	timeout, err := s.resolveTimeout(rawTimeout)
	if err != nil {
		return target, nil, 0, err
	}

	return target, q, timeout, nil
}

// recordSender is the single worker of a gRPC response pipeline. It sends
// every record it receives as one stream message.
type recordSender struct {
	mu     sync.Mutex
	stream grpc.ServerStreamingServer[structpb.Struct]
}

func (rs *recordSender) Spec() pipeline.FittingSpec {
	return pipeline.FittingSpec{
		Name: "grpc_response",
		New: func(ring.Partition, pipeline.Sink) (pipeline.Worker, error) {
			return rs, nil
		},
	}
}

func (rs *recordSender) Process(_ context.Context, input any) error {
	record, ok := input.(indexscan.Record)
	if !ok {
		return fmt.Errorf("unexpected response item %T", input)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stream.Send(recordMessage(record))
}

func (rs *recordSender) Finalize(context.Context) error {
	return nil
}
