package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"microauction/internal/client"
	"microauction/internal/crypto"
	"microauction/internal/debuglog"
	"microauction/internal/network"
	"microauction/internal/node"
	"microauction/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "find", "list", "open", "bid", "close", "get", "watch", "repl":
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 1
	}
	s, pos, err := newSession(cmd, rest, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		}
		return 1
	}
	defer s.close()

	switch cmd {
	case "find":
		err = s.find(stdout)
	case "list":
		err = s.list(stdout)
	case "open":
		err = s.open(pos, stdout)
	case "bid":
		err = s.bid(pos, stdout)
	case "close":
		err = s.closeAuction(pos, stdout)
	case "get":
		err = s.get(pos, stdout)
	case "watch":
		err = s.watch(stdout)
	case "repl":
		err = s.repl(stdin, stdout)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: auction <command> [flags] [args]")
	fmt.Fprintln(w, "  find                          list auctioneers announced on the bootstrap node")
	fmt.Fprintln(w, "  list                          open auctions, highest current price first")
	fmt.Fprintln(w, "  open <priceInit> [description]")
	fmt.Fprintln(w, "  bid <id> <amount>")
	fmt.Fprintln(w, "  close <id>")
	fmt.Fprintln(w, "  get <id>")
	fmt.Fprintln(w, "  watch                         print new auctions as they are announced")
	fmt.Fprintln(w, "  repl                          interactive session")
	fmt.Fprintln(w, "flags: --bootstrap <ip:port> --bootstrap-key <hex> --server <hex> --addr <ip:port>")
	fmt.Fprintln(w, "       --bidder <name> --wait <dur> --timeout <dur> --debug")
}

type session struct {
	c      *client.Client
	target client.Target
	bidder string
	wait   time.Duration
}

func newSession(cmd string, args []string, stderr io.Writer) (*session, []string, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	bootstrap := fs.String("bootstrap", os.Getenv("AUCTION_BOOTSTRAP"), "bootstrap node addr (host:port)")
	bootstrapKey := fs.String("bootstrap-key", os.Getenv("AUCTION_BOOTSTRAP_KEY"), "bootstrap node public key (hex)")
	server := fs.String("server", "", "auctioneer rpc public key (hex)")
	addr := fs.String("addr", "", "auctioneer addr, skips discovery")
	bidder := fs.String("bidder", os.Getenv("USER"), "bidder name")
	wait := fs.Duration("wait", 3*time.Second, "how long to wait for discovery")
	timeout := fs.Duration("timeout", network.DefaultRequestTimeout, "per-attempt request timeout")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if *debug {
		debuglog.SetDebug(true)
	}
	opts := client.Options{
		Bootstrap:     *bootstrap,
		ClientOptions: network.ClientOptions{Timeout: *timeout},
		PollInterval:  250 * time.Millisecond,
	}
	if *bootstrapKey != "" {
		k, err := crypto.ParsePublicKeyHex(*bootstrapKey)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap-key: %w", err)
		}
		opts.BootstrapKey = k
	}
	var target client.Target
	if *server != "" {
		k, err := crypto.ParsePublicKeyHex(*server)
		if err != nil {
			return nil, nil, fmt.Errorf("server: %w", err)
		}
		target.Key = k
	}
	target.Addr = *addr
	id, err := node.EphemeralIdentity()
	if err != nil {
		return nil, nil, err
	}
	return &session{
		c:      client.New(id, opts),
		target: target,
		bidder: *bidder,
		wait:   *wait,
	}, fs.Args(), nil
}

func (s *session) close() {
	_ = s.c.Close()
	debuglog.Sync()
}

// auctioneers returns the explicit target, or whatever announces itself
// within the wait window.
func (s *session) auctioneers(ctx context.Context, first bool) ([]client.Target, error) {
	if s.target.Addr != "" || len(s.target.Key) > 0 {
		return []client.Target{s.target}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()
	var out []client.Target
	for t := range s.c.FindAuctioneers(ctx) {
		out = append(out, t)
		if first {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no auctioneer found; pass --server, --addr or --bootstrap")
	}
	return out, nil
}

func (s *session) one(ctx context.Context) (client.Target, error) {
	ts, err := s.auctioneers(ctx, true)
	if err != nil {
		return client.Target{}, err
	}
	return ts[0], nil
}

func (s *session) find(w io.Writer) error {
	ts, err := s.auctioneers(context.Background(), false)
	if err != nil {
		return err
	}
	for _, t := range ts {
		fmt.Fprintf(w, "%s addr=%s\n", crypto.PublicKeyHex(t.Key), t.Addr)
	}
	return nil
}

func (s *session) list(w io.Writer) error {
	ctx := context.Background()
	ts, err := s.auctioneers(ctx, false)
	if err != nil {
		return err
	}
	entries, err := s.c.ListAll(ctx, ts)
	for _, e := range entries {
		printEntry(w, e)
	}
	if len(entries) == 0 && err == nil {
		fmt.Fprintln(w, "no open auctions")
	}
	return err
}

func printEntry(w io.Writer, e proto.AuctionEntry) {
	leader := "-"
	if b, ok := e.Data.HighestBid(); ok {
		leader = b.Bidder
	}
	fmt.Fprintf(w, "%s price=%g leader=%s bids=%d %q\n",
		e.ID, e.Data.CurrentPrice(), leader, len(e.Data.Bids), e.Data.Description)
}

func (s *session) open(args []string, w io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: open <priceInit> [description]")
	}
	price, err := parseAmount(args[0])
	if err != nil {
		return err
	}
	ctx := context.Background()
	t, err := s.one(ctx)
	if err != nil {
		return err
	}
	id, err := s.c.OpenAuction(ctx, t, strings.Join(args[1:], " "), price)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "opened %s\n", id)
	return nil
}

func (s *session) bid(args []string, w io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: bid <id> <amount>")
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return err
	}
	if strings.TrimSpace(s.bidder) == "" {
		return errors.New("missing --bidder")
	}
	ctx := context.Background()
	t, err := s.one(ctx)
	if err != nil {
		return err
	}
	if err := s.c.PlaceBid(ctx, t, args[0], s.bidder, amount); err != nil {
		return err
	}
	fmt.Fprintf(w, "bid %g accepted on %s\n", amount, args[0])
	return nil
}

func (s *session) closeAuction(args []string, w io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: close <id>")
	}
	ctx := context.Background()
	t, err := s.one(ctx)
	if err != nil {
		return err
	}
	res, err := s.c.CloseAuction(ctx, t, args[0])
	if err != nil {
		return err
	}
	if res.Winner == "" {
		fmt.Fprintf(w, "closed %s without bids\n", args[0])
		return nil
	}
	fmt.Fprintf(w, "closed %s winner=%s amount=%g\n", args[0], res.Winner, res.Amount)
	return nil
}

func (s *session) get(args []string, w io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: get <id>")
	}
	ctx := context.Background()
	t, err := s.one(ctx)
	if err != nil {
		return err
	}
	a, err := s.c.GetAuction(ctx, t, args[0])
	if err != nil {
		return err
	}
	printEntry(w, proto.AuctionEntry{ID: args[0], Data: a})
	for _, b := range a.Bids {
		fmt.Fprintf(w, "  %s %g at %s\n", b.Bidder, b.Amount, time.UnixMilli(b.Timestamp).Format(time.RFC3339))
	}
	return nil
}

func (s *session) watch(w io.Writer) error {
	ctx, cancel := signalContext()
	defer cancel()
	for n := range s.c.WatchAuctions(ctx) {
		fmt.Fprintf(w, "new %s price=%g %q from %s\n", n.ID, n.StartingPrice, n.Description, n.Auctioneer.Addr)
	}
	return nil
}

func parseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

type replHandlers struct {
	list    func(w io.Writer) error
	open    func(args []string, w io.Writer) error
	bid     func(args []string, w io.Writer) error
	close   func(args []string, w io.Writer) error
	get     func(args []string, w io.Writer) error
	unknown func(w io.Writer)
}

// dispatchRepl runs one line and reports whether the session should end.
func dispatchRepl(line string, w io.Writer, h replHandlers) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch fields[0] {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(w, "commands: list | open <price> [description] | bid <id> <amount> | close <id> | get <id> | quit")
	case "list":
		err = h.list(w)
	case "open":
		err = h.open(fields[1:], w)
	case "bid":
		err = h.bid(fields[1:], w)
	case "close":
		err = h.close(fields[1:], w)
	case "get":
		err = h.get(fields[1:], w)
	default:
		if h.unknown != nil {
			h.unknown(w)
		}
	}
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return false
}

func (s *session) repl(in io.Reader, w io.Writer) error {
	h := replHandlers{
		list:  s.list,
		open:  s.open,
		bid:   s.bid,
		close: s.closeAuction,
		get:   s.get,
		unknown: func(w io.Writer) {
			fmt.Fprintln(w, "unknown command; try help")
		},
	}
	sc := bufio.NewScanner(in)
	fmt.Fprint(w, "> ")
	for sc.Scan() {
		if dispatchRepl(sc.Text(), w, h) {
			return nil
		}
		fmt.Fprint(w, "> ")
	}
	return sc.Err()
}
