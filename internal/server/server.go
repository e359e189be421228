// ============================================================================
// Consulta Scheduler - gRPC Admin Service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes the durable job scheduler to other processes
//
// Service: consulta.scheduler.v1.Scheduler
//   ScheduleOnce       {type, target_id, key, fire_at (RFC3339), retry?} → job
//   ScheduleRecurring  {type, key, interval ("60s")}                      → job
//   Cancel             {key}                                              → {cancelled}
//   Get                {key}                                              → job
//   Stats              {}                                                 → {pending, in_flight, ...}
//
// Messages are google.protobuf.Struct, so no generated stubs are needed;
// the ServiceDesc below is what protoc-gen-go-grpc would emit.
//
// Error mapping:
//   invalid request / unknown job type → codes.InvalidArgument
//   no job under key                   → codes.NotFound
//   anything else                      → codes.Internal
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/consulta-engine/internal/jobmanager"
	"github.com/ChuLiYu/consulta-engine/internal/scheduler"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "consulta.scheduler.v1.Scheduler"

// JobScheduler is the scheduler surface the service exposes.
type JobScheduler interface {
	ScheduleOnce(ctx context.Context, jobType, targetID string, fireAt time.Time, key string, retry types.RetryPolicy) (types.Job, error)
	ScheduleRecurring(ctx context.Context, jobType string, interval time.Duration, key string) (types.Job, error)
	Cancel(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*types.Job, error)
	Stats() map[string]int
}

// Server implements consulta.scheduler.v1.Scheduler.
type Server struct {
	sched JobScheduler
}

// NewServer creates a new gRPC server instance.
func NewServer(sched JobScheduler) *Server {
	return &Server{sched: sched}
}

// Register attaches the service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// ScheduleOnce handles a one-shot schedule request.
func (s *Server) ScheduleOnce(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	fireAt, err := time.Parse(time.RFC3339, stringField(f, "fire_at"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "fire_at: %v", err)
	}
	retry, err := retryField(f)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "retry: %v", err)
	}

	job, err := s.sched.ScheduleOnce(ctx, stringField(f, "type"), stringField(f, "target_id"), fireAt, stringField(f, "key"), retry)
	if err != nil {
		return nil, toStatus(err)
	}
	log.Info("Job scheduled remotely", "key", job.Key, "type", job.Type, "fireAt", job.FireTime())
	return jobToStruct(&job)
}

// ScheduleRecurring handles a fixed-interval schedule request.
func (s *Server) ScheduleRecurring(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	interval, err := time.ParseDuration(stringField(f, "interval"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "interval: %v", err)
	}
	job, err := s.sched.ScheduleRecurring(ctx, stringField(f, "type"), interval, stringField(f, "key"))
	if err != nil {
		return nil, toStatus(err)
	}
	return jobToStruct(&job)
}

// Cancel handles a cancel-by-key request.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(req.GetFields(), "key")
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	ok, err := s.sched.Cancel(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"cancelled": ok})
}

// Get handles a lookup-by-key request.
func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(req.GetFields(), "key")
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	job, err := s.sched.Get(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobToStruct(job)
}

// Stats returns the job counts per status.
func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := make(map[string]any)
	for k, v := range s.sched.Stats() {
		out[k] = v
	}
	return structpb.NewStruct(out)
}

// ============================================================================
// Helpers
// ============================================================================

func toStatus(err error) error {
	switch {
	case errors.Is(err, scheduler.ErrInvalidSchedule), errors.Is(err, scheduler.ErrUnknownJobType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		log.Error("Scheduler call failed", "error", err)
		return status.Error(codes.Internal, err.Error())
	}
}

func stringField(f map[string]*structpb.Value, name string) string {
	return f[name].GetStringValue()
}

func retryField(f map[string]*structpb.Value) (types.RetryPolicy, error) {
	r := f["retry"].GetStructValue().GetFields()
	if len(r) == 0 {
		return types.RetryPolicy{}, nil
	}
	p := types.RetryPolicy{MaxAttempts: int(r["max_attempts"].GetNumberValue())}
	var err error
	if v := stringField(r, "base_delay"); v != "" {
		if p.BaseDelay, err = time.ParseDuration(v); err != nil {
			return p, err
		}
	}
	if v := stringField(r, "max_delay"); v != "" {
		if p.MaxDelay, err = time.ParseDuration(v); err != nil {
			return p, err
		}
	}
	return p, nil
}

// jobToStruct goes through the job's JSON form so the field names match the
// WAL and snapshot encodings.
func jobToStruct(job *types.Job) (*structpb.Struct, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode job: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode job: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode job: %v", err)
	}
	return s, nil
}

func structToJob(s *structpb.Struct) (*types.Job, error) {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

type schedulerService interface {
	ScheduleOnce(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ScheduleRecurring(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(schedulerService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(schedulerService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(schedulerService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*schedulerService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ScheduleOnce", schedulerService.ScheduleOnce),
		unaryHandler("ScheduleRecurring", schedulerService.ScheduleRecurring),
		unaryHandler("Cancel", schedulerService.Cancel),
		unaryHandler("Get", schedulerService.Get),
		unaryHandler("Stats", schedulerService.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "consulta/scheduler/v1/scheduler.proto",
}
