package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/consulta-engine/internal/server"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

const remoteTimeout = 10 * time.Second

func withClient(ctx context.Context, fn func(context.Context, *server.Client) error) error {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	return fn(ctx, client)
}

func printJob(out io.Writer, job *types.Job) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func buildScheduleCommand() *cobra.Command {
	var (
		jobType, target, key, at string
		maxAttempts              int
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a one-shot job on a running engine",
		Long:  "Schedule a one-shot job. A pending job under the same key is replaced in place.",
		Example: `  consultad schedule --type finalize-consultation --target c-42 --key finalize:c-42 --at 2025-11-20T14:50:00-03:00
  consultad schedule --type expire-purchase --target p-7 --key expire-purchase:p-7 --at 2025-11-21T00:00:00Z --max-attempts 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fireAt, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339: %w", err)
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				job, err := c.ScheduleOnce(ctx, jobType, target, fireAt, key, types.RetryPolicy{MaxAttempts: maxAttempts})
				if err != nil {
					return err
				}
				return printJob(cmd.OutOrStdout(), job)
			})
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	cmd.Flags().StringVar(&target, "target", "", "target entity id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&at, "at", "", "fire time (RFC3339)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "retry attempts (0 = engine default)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the pending job under a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				ok, err := c.Cancel(ctx, key)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", key)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "No pending job under %s\n", key)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func buildGetCommand() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show the job under a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *server.Client) error {
				job, err := c.Get(ctx, key)
				if err != nil {
					return err
				}
				return printJob(cmd.OutOrStdout(), job)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
