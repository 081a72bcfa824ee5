// Command billingctl is the operator CLI for Tollgate billing state.
//
//	billingctl plans
//	billingctl entitlement <tenant>
//	billingctl sync <tenant>
//	billingctl sweep [--limit N]
//	billingctl tenant init <tenant>
//	billingctl keys create <tenant> <name> [--ttl 720h]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tollgate/internal/app"
	"tollgate/internal/billing"
	"tollgate/internal/config"
	"tollgate/internal/telemetry"
	"tollgate/internal/types"
)

// Set at build time with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// backend is the slice of the service the commands drive.
type backend interface {
	Entitlement(ctx context.Context, tenantID string) (*types.Entitlement, error)
	Sync(ctx context.Context, tenantID string) (*billing.SyncResult, error)
	Sweep(ctx context.Context, batchLimit int, now time.Time) (telemetry.SweepReport, error)
	InitTenant(ctx context.Context, tenantID string) (*types.Entitlement, error)
	IssueKey(ctx context.Context, tenantID, name string, ttl time.Duration) (string, *types.APIKey, error)
}

// opener connects a backend. The returned func releases it.
type opener func(ctx context.Context) (backend, func(), error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Inspect and repair Tollgate entitlement state",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// withBackend runs fn against a connected backend.
	withBackend := func(cmd *cobra.Command, fn func(ctx context.Context, b backend) error) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		b, closeFn, err := open(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(ctx, b)
	}

	root.AddCommand(&cobra.Command{
		Use:   "plans",
		Short: "Print the plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printPlans(cmd.OutOrStdout(), billing.DefaultCatalog())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "entitlement <tenant>",
		Short: "Print a tenant's entitlement record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b backend) error {
				ent, err := b.Entitlement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ent)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sync <tenant>",
		Short: "Pull the live subscription and reconcile one tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b backend) error {
				res, err := b.Sync(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})

	var sweepLimit int
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the reconcile sweep once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, func(ctx context.Context, b backend) error {
				report, err := b.Sweep(ctx, sweepLimit, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d drifted=%d errors=%d\n",
					report.Candidates, report.Drifted, report.Errors)
				return nil
			})
		},
	}
	sweepCmd.Flags().IntVar(&sweepLimit, "limit", 0, "override the configured batch limit")
	root.AddCommand(sweepCmd)

	tenantCmd := &cobra.Command{Use: "tenant", Short: "Tenant provisioning"}
	tenantCmd.AddCommand(&cobra.Command{
		Use:   "init <tenant>",
		Short: "Create the free-plan record for a new tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b backend) error {
				ent, err := b.InitTenant(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ent)
			})
		},
	})
	root.AddCommand(tenantCmd)

	var keyTTL time.Duration
	keysCmd := &cobra.Command{Use: "keys", Short: "API key management"}
	createKey := &cobra.Command{
		Use:   "create <tenant> <name>",
		Short: "Issue an API key; the plaintext is printed once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b backend) error {
				plaintext, key, err := b.IssueKey(ctx, args[0], args[1], keyTTL)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:      %s\n", key.ID)
				fmt.Fprintf(out, "tenant:  %s\n", key.TenantID)
				if key.ExpiresAt != nil {
					fmt.Fprintf(out, "expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
				}
				fmt.Fprintf(out, "key:     %s\n", plaintext)
				return nil
			})
		},
	}
	createKey.Flags().DurationVar(&keyTTL, "ttl", 0, "key lifetime (0 never expires)")
	keysCmd.AddCommand(createKey)
	root.AddCommand(keysCmd)

	return root
}

func printPlans(w io.Writer, catalog *billing.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRICE\tCYCLE\tPIPELINES\tREQUESTS\tSTATUS")
	for _, p := range catalog.Plans() {
		status := "available"
		if p.ComingSoon {
			status = "coming soon"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d.%02d\t%s\t%d\t%d\t%s\n",
			p.ID, p.Name, p.PriceAmount/100, p.PriceAmount%100, p.Cycle, p.PipelineLimit, p.RequestQuota, status)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// appBackend drives the real service components.
type appBackend struct {
	a *app.App
}

func (b appBackend) Entitlement(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	return b.a.Ents.Get(ctx, tenantID)
}

func (b appBackend) Sync(ctx context.Context, tenantID string) (*billing.SyncResult, error) {
	return b.a.Orchestrator.SyncStatus(ctx, tenantID)
}

func (b appBackend) Sweep(ctx context.Context, batchLimit int, now time.Time) (telemetry.SweepReport, error) {
	return b.a.Sweeper(batchLimit).Run(ctx, now)
}

func (b appBackend) InitTenant(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	return b.a.Ents.EnsureTenant(ctx, tenantID)
}

func (b appBackend) IssueKey(ctx context.Context, tenantID, name string, ttl time.Duration) (string, *types.APIKey, error) {
	return b.a.Authenticator.Issue(ctx, tenantID, name, ttl)
}

func openApp(ctx context.Context) (backend, func(), error) {
	cfg, err := config.LoadConfig(config.NewSecretProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	// Operator output goes to stdout; keep service logs to warnings.
	logLevel := cfg.LogLevel
	if logLevel == "info" {
		logLevel = "warn"
	}
	a, err := app.New(ctx, cfg, app.NewLogger(logLevel))
	if err != nil {
		return nil, nil, err
	}
	return appBackend{a: a}, a.Close, nil
}

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
