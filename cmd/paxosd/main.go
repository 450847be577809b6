// Command paxosd runs one agent of a single-decree Paxos cluster: it
// serves the acceptor's prepare/accept/choose endpoints and, if
// --propose is given, drives a value to consensus before exiting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/paxosnode/agent/internal/agent"
	"github.com/paxosnode/agent/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagNode       int
	flagPropose    string
	flagConfigFile string
	flagDataDir    string
	flagIP         string
	flagPort       int
	flagDevLog     bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "paxosd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "paxosd",
		Short:         "A single-decree Paxos agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAgent,
	}

	cmd.Flags().IntVar(&flagNode, "node", -1, "this agent's index into the configured node list (required)")
	cmd.Flags().StringVar(&flagPropose, "propose", "", "if set, propose this value and exit once it (or a discovered prior value) is chosen")
	cmd.Flags().StringVar(&flagConfigFile, "config-file", "config.yaml", "path to the cluster configuration file")
	cmd.Flags().StringVar(&flagDataDir, "data-dir", "data", "directory for this agent's persisted state")
	cmd.Flags().StringVar(&flagIP, "ip", "", "override the IP address to bind the server to (defaults to this node's configured address)")
	cmd.Flags().IntVar(&flagPort, "port", 0, "override the port to bind the server to (defaults to this node's configured address)")
	cmd.Flags().BoolVar(&flagDevLog, "dev-log", false, "use human-readable development logging instead of structured JSON logging")
	_ = cmd.MarkFlagRequired("node")

	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(flagDevLog)
	if err != nil {
		return errors.Wrap(err, "constructing logger")
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	peers, err := cfg.Peers()
	if err != nil {
		return errors.Wrap(err, "parsing configured node addresses")
	}

	if flagNode < 0 || flagNode >= len(peers) {
		return errors.Errorf("--node %d is out of range for %d configured nodes", flagNode, len(peers))
	}
	self := peers[flagNode]

	bindAddr, err := bindAddress(self, flagIP, flagPort)
	if err != nil {
		return errors.Wrap(err, "resolving bind address")
	}

	dataFile := dataFilePath(flagDataDir, self)

	a, err := agent.New(self, peers, dataFile, logger)
	if err != nil {
		return errors.Wrap(err, "initializing agent")
	}

	server := &http.Server{
		Addr:    bindAddr.String(),
		Handler: a.Handler(),
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Stringer("address", bindAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- errors.Wrap(err, "server failed")
		}
	}()

	if flagPropose == "" {
		return <-serverErrors
	}

	value := flagPropose
	if err := a.Propose(context.Background(), &value); err != nil {
		return errors.Wrap(err, "proposing value")
	}
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// bindAddress resolves the address the HTTP server listens on. It
// defaults to the agent's own identity address (self) but allows
// --ip/--port to override the bind host/port independently, so an agent
// can sit behind a NAT or port-forward while keeping a stable identity
// for proposal numbers and its data file name.
func bindAddress(self netip.AddrPort, ip string, port int) (netip.AddrPort, error) {
	host := self.Addr()
	if ip != "" {
		parsed, err := netip.ParseAddr(ip)
		if err != nil {
			return netip.AddrPort{}, errors.Wrapf(err, "invalid --ip %q", ip)
		}
		host = parsed
	}

	portNum := self.Port()
	if port != 0 {
		portNum = uint16(port)
	}

	return netip.AddrPortFrom(host, portNum), nil
}

func dataFilePath(dataDir string, self netip.AddrPort) string {
	return filepath.Join(dataDir, self.String())
}
