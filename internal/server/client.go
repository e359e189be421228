package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// Client calls consulta.scheduler.v1.Scheduler.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScheduleOnce schedules jobType on targetID at fireAt under key.
func (c *Client) ScheduleOnce(ctx context.Context, jobType, targetID string, fireAt time.Time, key string, retry types.RetryPolicy) (*types.Job, error) {
	req := map[string]any{
		"type":      jobType,
		"target_id": targetID,
		"key":       key,
		"fire_at":   fireAt.UTC().Format(time.RFC3339),
	}
	if retry != (types.RetryPolicy{}) {
		r := map[string]any{"max_attempts": retry.MaxAttempts}
		if retry.BaseDelay > 0 {
			r["base_delay"] = retry.BaseDelay.String()
		}
		if retry.MaxDelay > 0 {
			r["max_delay"] = retry.MaxDelay.String()
		}
		req["retry"] = r
	}
	out, err := c.invoke(ctx, "ScheduleOnce", req)
	if err != nil {
		return nil, err
	}
	return structToJob(out)
}

// ScheduleRecurring schedules jobType every interval under key.
func (c *Client) ScheduleRecurring(ctx context.Context, jobType string, interval time.Duration, key string) (*types.Job, error) {
	out, err := c.invoke(ctx, "ScheduleRecurring", map[string]any{
		"type":     jobType,
		"key":      key,
		"interval": interval.String(),
	})
	if err != nil {
		return nil, err
	}
	return structToJob(out)
}

// Cancel cancels the pending job under key.
func (c *Client) Cancel(ctx context.Context, key string) (bool, error) {
	out, err := c.invoke(ctx, "Cancel", map[string]any{"key": key})
	if err != nil {
		return false, err
	}
	return out.GetFields()["cancelled"].GetBoolValue(), nil
}

// Get returns the job under key.
func (c *Client) Get(ctx context.Context, key string) (*types.Job, error) {
	out, err := c.invoke(ctx, "Get", map[string]any{"key": key})
	if err != nil {
		return nil, err
	}
	return structToJob(out)
}

// Stats returns the job counts per status.
func (c *Client) Stats(ctx context.Context) (map[string]int, error) {
	out, err := c.invoke(ctx, "Stats", map[string]any{})
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int, len(out.GetFields()))
	for k, v := range out.GetFields() {
		stats[k] = int(v.GetNumberValue())
	}
	return stats, nil
}
