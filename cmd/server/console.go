package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/aegis-routing/internal/config"
	"github.com/busybox42/aegis-routing/pkg/dht"
	"github.com/busybox42/aegis-routing/pkg/server"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// consoleDomain holds values stored from the console.
var consoleDomain = types.HashID([]byte("aegis-console"))

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run a node with an interactive prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		srv := server.New(cfg, log)
		if err := srv.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		defer shutdown(srv)

		c := &console{srv: srv, out: cmd.OutOrStdout()}
		return c.run(os.Stdin)
	},
}

type console struct {
	srv *server.Server
	out io.Writer
}

func (c *console) run(in io.Reader) error {
	self := c.srv.Self()
	fmt.Fprintf(c.out, "Local node: %s@%s\n", self.ID, self.Addr)

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(c.out, "aegis> ")
		input, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if c.execute(input) {
			return nil
		}
	}
}

// execute runs one command line and reports whether the console should exit.
func (c *console) execute(input string) bool {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false
	}
	command, args := parts[0], parts[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch command {
	case "bootstrap":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: bootstrap <hex-id>@<host>:<port>")
			return false
		}
		seed, err := config.ParsePeer(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid peer: %v\n", err)
			return false
		}
		if _, err := c.srv.Bootstrap(ctx, []types.PeerAddress{seed}); err != nil {
			fmt.Fprintf(c.out, "Failed to bootstrap: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "Bootstrapped with %s\n", seed)

	case "find":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: find <hex-id>")
			return false
		}
		target, err := types.IDFromHex(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid identifier: %v\n", err)
			return false
		}
		c.route(ctx, dht.SearchSpec{Target: target}, dht.QueryNeighbors)

	case "store":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "Usage: store <name> <value>")
			return false
		}
		key := consoleKey(args[0])
		if err := c.srv.Storage().Store(key, []byte(strings.Join(args[1:], " "))); err != nil {
			fmt.Fprintf(c.out, "Failed to store: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "Stored %s at %s\n", args[0], key.Location)

	case "locate":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: locate <name>")
			return false
		}
		key := consoleKey(args[0])
		c.route(ctx, dht.SearchSpec{Target: key.Location, Domain: key.Domain, Content: key.Content}, dht.QueryDigestContent)

	case "peers":
		peers := c.srv.RoutingTable().Peers()
		fmt.Fprintf(c.out, "Known peers: %d\n", len(peers))
		for _, p := range peers {
			fmt.Fprintf(c.out, "  %s verified=%v ok=%d failed=%d\n", p.Address, p.Verified, p.SuccessCount, p.FailureCount)
		}

	case "status":
		self := c.srv.Self()
		verified, nonVerified := c.srv.RoutingTable().Size()
		fmt.Fprintln(c.out, "Network Status:")
		fmt.Fprintf(c.out, "  Local node: %s\n", self.ID)
		fmt.Fprintf(c.out, "  Listening: %s\n", self.Addr)
		fmt.Fprintf(c.out, "  Peers: %d verified, %d unverified\n", verified, nonVerified)
		fmt.Fprintf(c.out, "  Stored entries: %d\n", c.srv.Storage().Len())

	case "mykey":
		self := c.srv.Self()
		fmt.Fprintf(c.out, "%s@%s\n", self.ID, self.Addr)

	case "exit", "quit":
		return true

	case "help":
		fmt.Fprintln(c.out, "Available commands:")
		fmt.Fprintln(c.out, "  bootstrap <id@host:port>  - Join the network through a peer")
		fmt.Fprintln(c.out, "  find <hex-id>             - Route toward an identifier")
		fmt.Fprintln(c.out, "  store <name> <value>      - Store a value locally")
		fmt.Fprintln(c.out, "  locate <name>             - Find peers holding a stored name")
		fmt.Fprintln(c.out, "  peers                     - List routing table peers")
		fmt.Fprintln(c.out, "  status                    - Show node status")
		fmt.Fprintln(c.out, "  mykey                     - Show this node's bootstrap address")
		fmt.Fprintln(c.out, "  exit                      - Leave the network and exit")

	default:
		fmt.Fprintf(c.out, "Unknown command: %s. Type 'help' for usage.\n", command)
	}
	return false
}

func (c *console) route(ctx context.Context, spec dht.SearchSpec, kind dht.QueryKind) {
	outcome, err := c.srv.Route(ctx, spec, kind)
	if err != nil {
		fmt.Fprintf(c.out, "Lookup failed: %v\n", err)
		return
	}
	printOutcome(c.out, outcome)
}

func consoleKey(name string) types.VersionKey {
	id := types.HashID([]byte(name))
	return types.VersionKey{Location: id, Domain: consoleDomain, Content: id}
}

func printOutcome(w io.Writer, o dht.Outcome) {
	fmt.Fprintf(w, "Lookup finished: %s\n", o.Reason)

	fmt.Fprintf(w, "Routing path (%d):\n", len(o.RoutingPath))
	for _, p := range o.RoutingPath {
		fmt.Fprintf(w, "  %s\n", p)
	}

	hits := make([]types.PeerAddress, 0, len(o.DirectHits))
	for p := range o.DirectHits {
		hits = append(hits, p)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID.Compare(hits[j].ID) < 0 })
	fmt.Fprintf(w, "Direct hits (%d):\n", len(hits))
	for _, p := range hits {
		fmt.Fprintf(w, "  %s entries=%d\n", p, o.DirectHits[p].Size)
	}

	fmt.Fprintf(w, "Potential hits (%d):\n", len(o.PotentialHits))
	for _, p := range o.PotentialHits {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
