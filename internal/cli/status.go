package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainlake/internal/indexing/status"
	redisclient "github.com/vietddude/chainlake/internal/infra/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted status of every header provider",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	rdb := client.RDB()
	keys, err := redisclient.ScanKeys(ctx, rdb, redisclient.ProviderStatusPattern(), 100)
	if err != nil {
		slog.Error("Failed to scan provider status", "error", err)
		os.Exit(1)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PROVIDER\tCHAIN\tSTATE\tBLOCK\tBLOCKS\tRECONNECTS\tHEARTBEAT")

	for _, key := range keys {
		var ps status.ProviderStatus
		ok, err := redisclient.GetJSON(ctx, rdb, key, &ps)
		if err != nil || !ok {
			continue
		}
		heartbeat := time.Since(ps.LastHeartbeat).Round(time.Second).String() + " ago"

		chains := make([]string, 0, len(ps.Subscriptions))
		for id := range ps.Subscriptions {
			chains = append(chains, id)
		}
		sort.Strings(chains)
		if len(chains) == 0 {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t%s\n", ps.ProviderID, heartbeat)
		}
		for _, id := range chains {
			s := ps.Subscriptions[id]
			block := "-"
			if s.LastBlock != nil {
				block = fmt.Sprint(s.LastBlock.Number)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				ps.ProviderID, id, s.State, block, s.Metrics.BlocksReceived, s.Connection.ReconnectAttempts, heartbeat)
		}
	}
	_ = w.Flush()
}
