package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/core/registry"
	redisclient "github.com/vietddude/chainlake/internal/infra/redis"
)

var node domain.ChainConfig

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage chain node configs in the registry",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored node configs",
	Run:   runNodesList,
}

var nodesPutCmd = &cobra.Command{
	Use:   "put [chain_id]",
	Short: "Create or replace a node config and notify running subscribers",
	Args:  cobra.ExactArgs(1),
	Run:   runNodesPut,
}

var nodesDeleteCmd = &cobra.Command{
	Use:   "delete [chain_id]",
	Short: "Remove a node config and stop its subscriber",
	Args:  cobra.ExactArgs(1),
	Run:   runNodesDelete,
}

func init() {
	f := nodesPutCmd.Flags()
	f.StringVar(&node.Network, "network", "", "network name, e.g. ethereum")
	f.StringVar(&node.Subnet, "subnet", "", "subnet name, e.g. mainnet")
	f.StringVar((*string)(&node.VMType), "vm-type", "", "evm, utxo or svm")
	f.StringVar(&node.ChainName, "chain-name", "", "display name (defaults to the chain id)")
	f.StringVar(&node.RPCURL, "rpc-url", "", "HTTP JSON-RPC endpoint")
	f.StringVar(&node.WSURL, "ws-url", "", "WebSocket endpoint (EVM)")
	f.BoolVar(&node.Enabled, "enabled", true, "collect headers for this chain")
	f.IntVar(&node.PollIntervalSecs, "poll-interval", 0, "polling cadence in seconds for non-WebSocket collectors")

	nodesCmd.AddCommand(nodesListCmd, nodesPutCmd, nodesDeleteCmd)
	rootCmd.AddCommand(nodesCmd)
}

func openRegistry() (*registry.Registry, func()) {
	cfg := loadConfig()
	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return registry.New(client.RDB()), func() { _ = client.Close() }
}

func runNodesList(cmd *cobra.Command, args []string) {
	reg, closeFn := openRegistry()
	defer closeFn()

	nodes, err := reg.List(context.Background(), registry.All)
	if err != nil {
		slog.Error("Failed to list nodes", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHAIN\tVM\tSUBJECT\tENABLED\tRPC")
	for _, n := range nodes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", n.ChainID, n.VMType, n.HeadersSubject(), n.Enabled, n.RPCURL)
	}
	_ = w.Flush()
}

func runNodesPut(cmd *cobra.Command, args []string) {
	cfg := node
	cfg.ChainID = args[0]
	cfg.VMType = domain.ParseVMType(string(cfg.VMType))
	if cfg.ChainName == "" {
		cfg.ChainName = cfg.ChainID
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid node config", "error", err)
		os.Exit(1)
	}

	reg, closeFn := openRegistry()
	defer closeFn()

	if err := reg.Put(context.Background(), cfg); err != nil {
		slog.Error("Failed to store node", "chain_id", cfg.ChainID, "error", err)
		os.Exit(1)
	}
	slog.Info("Node stored", "chain_id", cfg.ChainID, "subject", cfg.HeadersSubject())
}

func runNodesDelete(cmd *cobra.Command, args []string) {
	reg, closeFn := openRegistry()
	defer closeFn()

	if err := reg.Delete(context.Background(), args[0]); err != nil {
		slog.Error("Failed to delete node", "chain_id", args[0], "error", err)
		os.Exit(1)
	}
	slog.Info("Node deleted", "chain_id", args[0])
}
