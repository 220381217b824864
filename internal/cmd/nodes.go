package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/coord"
	"github.com/3leaps/gocumulus/pkg/node"
	"github.com/3leaps/gocumulus/pkg/output"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect and edit the cluster node table",
	Long: `Inspect and edit the node table kept in the coordination store.

These commands are only useful against a shared store
(coordination.backend: etcd); the memory store lives and dies with the
process.`,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes as JSONL",
	Args:  cobra.NoArgs,
	RunE: withCoordinator(func(ctx context.Context, cmd *cobra.Command, c *coord.Coordinator, _ []string) error {
		nodes, err := c.Nodes(ctx)
		if err != nil {
			return err
		}
		w := output.NewJSONLWriter(cmd.OutOrStdout(), uuid.NewString())
		defer func() { _ = w.Close() }()
		for _, n := range nodes {
			if err := w.WriteNode(ctx, output.NodeRecordFrom(n)); err != nil {
				return err
			}
		}
		return nil
	}),
}

var nodesRegisterCmd = &cobra.Command{
	Use:   "register [PUBLIC_IP]",
	Short: "Add or replace a node",
	Long: `Add or replace a node in the table. With --from-imds the addresses and
instance id are read from the EC2 instance metadata service.`,
	Args: cobra.MaximumNArgs(1),
	RunE: withCoordinator(func(ctx context.Context, cmd *cobra.Command, c *coord.Coordinator, args []string) error {
		roles, err := node.ParseRoles(registerRoles...)
		if err != nil {
			return err
		}
		rec := node.New("", registerPrivateIP, registerInstanceID, registerCloudTag, roles...)
		if len(args) == 1 {
			rec.PublicIP = args[0]
		}
		if registerFromIMDS {
			if err := fillFromIMDS(ctx, imds.New(imds.Options{}), rec); err != nil {
				return fmt.Errorf("instance metadata: %w", err)
			}
			if rec.CloudTag == "" {
				rec.CloudTag = "aws"
			}
		}
		if registerLease > 0 {
			now := time.Now().UTC()
			if err := rec.SetLease(now, now.Add(registerLease)); err != nil {
				return err
			}
		}
		if err := c.PutNode(ctx, rec); err != nil {
			return err
		}
		logger().Info("Registered node", zap.String("node", rec.String()))
		return nil
	}),
}

var nodesAddRolesCmd = &cobra.Command{
	Use:   "add-roles PUBLIC_IP ROLE...",
	Short: "Add roles to a node",
	Args:  cobra.MinimumNArgs(2),
	RunE: withCoordinator(func(ctx context.Context, cmd *cobra.Command, c *coord.Coordinator, args []string) error {
		roles, err := node.ParseRoles(args[1:]...)
		if err != nil {
			return err
		}
		rec, err := c.AddRoles(ctx, args[0], roles...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rec.String())
		return nil
	}),
}

var nodesRemoveRolesCmd = &cobra.Command{
	Use:   "remove-roles PUBLIC_IP ROLE...",
	Short: "Remove roles from a node; a node left with none becomes open",
	Args:  cobra.MinimumNArgs(2),
	RunE: withCoordinator(func(ctx context.Context, cmd *cobra.Command, c *coord.Coordinator, args []string) error {
		roles, err := node.ParseRoles(args[1:]...)
		if err != nil {
			return err
		}
		rec, err := c.RemoveRoles(ctx, args[0], roles...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rec.String())
		return nil
	}),
}

var nodesReleaseCmd = &cobra.Command{
	Use:   "release PUBLIC_IP...",
	Short: "Return nodes to the open pool",
	Args:  cobra.MinimumNArgs(1),
	RunE: withCoordinator(func(ctx context.Context, _ *cobra.Command, c *coord.Coordinator, args []string) error {
		return c.ReleaseNodes(ctx, args...)
	}),
}

var nodesRemoveCmd = &cobra.Command{
	Use:   "remove PUBLIC_IP",
	Short: "Delete a node from the table",
	Args:  cobra.ExactArgs(1),
	RunE: withCoordinator(func(ctx context.Context, _ *cobra.Command, c *coord.Coordinator, args []string) error {
		return c.RemoveNode(ctx, args[0])
	}),
}

var nodesReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Extend busy expired leases and report idle expired nodes",
	Args:  cobra.NoArgs,
	RunE: withCoordinator(func(ctx context.Context, cmd *cobra.Command, c *coord.Coordinator, _ []string) error {
		rep, err := c.Reconcile(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}),
}

var (
	registerPrivateIP  string
	registerInstanceID string
	registerCloudTag   string
	registerRoles      []string
	registerLease      time.Duration
	registerFromIMDS   bool
)

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd, nodesRegisterCmd, nodesAddRolesCmd, nodesRemoveRolesCmd,
		nodesReleaseCmd, nodesRemoveCmd, nodesReconcileCmd)

	f := nodesRegisterCmd.Flags()
	f.StringVar(&registerPrivateIP, "private-ip", "", "Private address")
	f.StringVar(&registerInstanceID, "instance-id", "", "Provider instance id")
	f.StringVar(&registerCloudTag, "cloud-tag", "", "Provider tag used to filter claims")
	f.StringSliceVar(&registerRoles, "role", nil, "Roles (repeatable or comma-separated; default open)")
	f.DurationVar(&registerLease, "lease", 0, "Mark the node metered with a lease of this length")
	f.BoolVar(&registerFromIMDS, "from-imds", false, "Read addresses and instance id from EC2 instance metadata")
}

// nodesCoordinator is swapped in tests so commands share one store.
var nodesCoordinator = newCoordinator

func withCoordinator(fn func(ctx context.Context, cmd *cobra.Command, c *coord.Coordinator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := nodesCoordinator(ctx, loadedCfg)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open coordination store", err)
		}
		defer func() { _ = c.Close() }()
		if err := fn(ctx, cmd, c, args); err != nil {
			return exitError(1, cmd.CommandPath()+" failed", err)
		}
		return nil
	}
}

// metadataGetter is the part of the IMDS client register uses.
type metadataGetter interface {
	GetMetadata(ctx context.Context, in *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// fillFromIMDS sets unset addresses and the instance id from instance
// metadata.
func fillFromIMDS(ctx context.Context, md metadataGetter, rec *node.Record) error {
	fields := []struct {
		path string
		dst  *string
	}{
		{"public-ipv4", &rec.PublicIP},
		{"local-ipv4", &rec.PrivateIP},
		{"instance-id", &rec.InstanceID},
	}
	for _, f := range fields {
		if *f.dst != "" {
			continue
		}
		out, err := md.GetMetadata(ctx, &imds.GetMetadataInput{Path: f.path})
		if err != nil {
			return fmt.Errorf("%s: %w", f.path, err)
		}
		data, err := io.ReadAll(out.Content)
		_ = out.Content.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", f.path, err)
		}
		*f.dst = strings.TrimSpace(string(data))
	}
	return nil
}
