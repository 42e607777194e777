package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"

	"microauction/internal/config"
	"microauction/internal/daemon"
	"microauction/internal/debuglog"
	"microauction/internal/metrics"
	"microauction/internal/node"
	"microauction/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], daemon.RoleAuctioneer, stdout, stderr)
	case "bootstrap":
		return runNode(args[1:], daemon.RoleBootstrap, stdout, stderr)
	case "identity":
		return runIdentity(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: auction-node <run|bootstrap|identity|status> [flags]")
	fmt.Fprintln(w, "  run        serve auctions; --bootstrap <ip:port> --bootstrap-key <hex> to join a registry")
	fmt.Fprintln(w, "  bootstrap  serve only the discovery registry")
	fmt.Fprintln(w, "  identity   print the node's public keys")
	fmt.Fprintln(w, "  status     print the last metrics snapshot")
	fmt.Fprintln(w, "common flags: --config <file> --home <dir> --listen <ip:port> --store <log|badger> --debug")
}

func resolveConfig(name string, args []string, stderr io.Writer) (config.Config, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, false
	}
	cfg, err := flags.Resolve(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return config.Config{}, false
	}
	if cfg.Debug {
		debuglog.SetDebug(true)
	}
	return cfg, true
}

func runNode(args []string, role daemon.Role, stdout, stderr io.Writer) int {
	cfg, ok := resolveConfig(string(role), args, stderr)
	if !ok {
		return 1
	}
	defer debuglog.Sync()

	var runner *daemon.Runner
	app := fx.New(daemon.Module(cfg, role), fx.Populate(&runner))
	if err := app.Err(); err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY role=%s addr=%s rpc_key=%s\n", role, runner.Addr(), runner.Self.RPC.PublicKeyHex())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
	case <-app.Done():
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", err)
		return 1
	}
	return 0
}

func runIdentity(args []string, stdout, stderr io.Writer) int {
	cfg, ok := resolveConfig("identity", args, stderr)
	if !ok {
		return 1
	}
	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()
	self, err := node.NewNode(st)
	if err != nil {
		fmt.Fprintf(stderr, "identity: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node_id=%x\n", self.ID[:])
	fmt.Fprintf(stdout, "rpc_key=%s\n", self.RPC.PublicKeyHex())
	fmt.Fprintf(stdout, "dht_key=%s\n", self.DHT.PublicKeyHex())
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cfg, ok := resolveConfig("status", args, stderr)
	if !ok {
		return 1
	}
	snap, err := readMetricsSnapshot(cfg.SnapshotPath())
	if err != nil {
		fmt.Fprintf(stdout, "status: no snapshot (%v)\n", err)
		return 0
	}
	fmt.Fprintf(stdout, "snapshot at %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  connections: %d\n", snap.CurrentConns)
	fmt.Fprintf(stdout, "  auctions opened=%d closed=%d\n", snap.Opened, snap.Closed)
	fmt.Fprintf(stdout, "  bids accepted=%d rejected=%d\n", snap.BidsAccepted, snap.BidsRejected)
	for _, ev := range snap.Recent {
		winner := ev.Winner
		if winner == "" {
			winner = "-"
		}
		fmt.Fprintf(stdout, "  closed %s winner=%s amount=%g\n", ev.ID, winner, ev.Amount)
	}
	return 0
}

func readMetricsSnapshot(path string) (metrics.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return metrics.Snapshot{}, errors.New("node has not run yet")
		}
		return metrics.Snapshot{}, err
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, err
	}
	return snap, nil
}
