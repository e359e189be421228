package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/consulta-engine/internal/consultation"
)

// resolveInput is everything the resolve command evaluates.
type resolveInput struct {
	raw         string
	actor       string
	scheduledAt string
	at          string
	reason      string
	deferral    string
	missing     string
	window      time.Duration
}

func buildResolveCommand() *cobra.Command {
	var in resolveInput

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Evaluate a raw signal against the resolver and policy table",
		Long:  "Offline evaluation, nothing is read or written. Useful to explain why a consultation ended in a given status.",
		Example: `  consultad resolve --raw "cancelada" --actor customer --scheduled-at 2025-11-21T10:00:00-03:00 --at 2025-11-20T12:00:00-03:00
  consultad resolve --raw "no show" --missing provider
  consultad resolve --raw cancelled_by_customer_out_of_window --deferral denied`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(in, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&in.raw, "raw", "", "raw signal (canonical status, legacy label or free text)")
	cmd.Flags().StringVar(&in.actor, "actor", "customer", "customer | provider | admin | system")
	cmd.Flags().StringVar(&in.scheduledAt, "scheduled-at", "", "scheduled start (RFC3339)")
	cmd.Flags().StringVar(&in.at, "at", "", "action time (RFC3339, default now)")
	cmd.Flags().StringVar(&in.reason, "reason", "", "free-text cancellation reason")
	cmd.Flags().StringVar(&in.deferral, "deferral", string(consultation.DeferralPending), "pending | approved | denied")
	cmd.Flags().StringVar(&in.missing, "missing", "", "missing party: customer | provider | both")
	cmd.Flags().DurationVar(&in.window, "window", consultation.DefaultCancellationWindow, "cancellation window")
	_ = cmd.MarkFlagRequired("raw")
	return cmd
}

func runResolve(in resolveInput, out io.Writer) error {
	rc := consultation.Context{
		Actor:    consultation.Actor(in.actor),
		Reason:   consultation.ParseLegacyReason(in.reason),
		Deferral: consultation.Deferral(in.deferral),
		Missing:  consultation.Role(in.missing),
		Now:      time.Now(),
	}
	switch rc.Actor {
	case consultation.ActorCustomer, consultation.ActorProvider, consultation.ActorAdmin, consultation.ActorSystem:
	default:
		return fmt.Errorf("unknown actor %q", in.actor)
	}
	switch rc.Deferral {
	case consultation.DeferralPending, consultation.DeferralApproved, consultation.DeferralDenied:
	default:
		return fmt.Errorf("unknown deferral %q", in.deferral)
	}
	var err error
	if in.scheduledAt != "" {
		if rc.ScheduledAt, err = time.Parse(time.RFC3339, in.scheduledAt); err != nil {
			return fmt.Errorf("--scheduled-at: %w", err)
		}
	}
	if in.at != "" {
		if rc.Now, err = time.Parse(time.RFC3339, in.at); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	status := consultation.NewResolver(in.window).Resolve(in.raw, rc)
	policy, _ := consultation.PolicyFor(status)

	fmt.Fprintf(out, "Status:         %s\n", status)
	fmt.Fprintf(out, "Terminal:       %t\n", consultation.IsTerminal(status))
	fmt.Fprintf(out, "Origin:         %s\n", policy.Origin)
	fmt.Fprintf(out, "Credit policy:  %s\n", policy.Credit)
	fmt.Fprintf(out, "Payable policy: %s\n", policy.Payable)
	fmt.Fprintf(out, "Payable:        %t (deferral %s)\n", consultation.IsPayable(status, rc.Deferral), rc.Deferral)
	fmt.Fprintf(out, "Returns credit: %t\n", consultation.ShouldReturnCredit(status, rc.Deferral))
	if rc.Reason.Kind != "" {
		fmt.Fprintf(out, "Reason kind:    %s\n", rc.Reason.Kind)
	}
	return nil
}
