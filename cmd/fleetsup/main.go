package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fleetswarm/core/internal/config"
	"github.com/fleetswarm/core/internal/log"
	"github.com/fleetswarm/core/internal/member"
	"github.com/fleetswarm/core/internal/ring"
	"github.com/fleetswarm/core/internal/server"
	"github.com/fleetswarm/core/internal/svcgroup"
	"github.com/fleetswarm/core/internal/trace"
	"github.com/spf13/cobra"
)

var (
	flagConfigFile    string
	flagPeers         []string
	flagListenSwim    string
	flagListenGossip  string
	flagPermanent     bool
	flagRing          string
	flagGroup         string
	flagOrg           string
	flagTopology      string
	flagStrategy      string
	flagTrace         bool
)

var (
	rootCmd = &cobra.Command{
		Use:   "fleetsup",
		Short: "fleetsup CLI",
		Long:  "A SWIM-based failure detector and rumor-gossip agent for a service-supervisor fleet",
	}

	agentCmd = &cobra.Command{
		Use:   "agent",
		Short: "Run a fleetsup agent",
		RunE:  runAgent,
	}

	joinCmd = &cobra.Command{
		Use:   "join [service.group[@org]]",
		Short: "Parse a service group and print a join notice (no rumor is published)",
		Args:  cobra.ExactArgs(1),
		RunE:  runJoin,
	}

	leaveCmd = &cobra.Command{
		Use:   "leave [service.group[@org]]",
		Short: "Parse a service group and print a departure notice (no rumor is published)",
		Args:  cobra.ExactArgs(1),
		RunE:  runLeave,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show local configuration and resolved listen addresses",
		RunE:  runStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "config.yaml", "path to config file")

	agentCmd.Flags().StringSliceVar(&flagPeers, "peer", nil, "initial gossip peer (ip:port), repeatable")
	agentCmd.Flags().StringVar(&flagListenSwim, "listen-swim", "", "override SWIM probe listen address")
	agentCmd.Flags().StringVar(&flagListenGossip, "listen-gossip", "", "override gossip listen address")
	agentCmd.Flags().BoolVar(&flagPermanent, "permanent-peer", false, "mark local member persistent")
	agentCmd.Flags().StringVar(&flagRing, "ring", "", "ring name protecting wire traffic")
	agentCmd.Flags().StringVar(&flagGroup, "group", "", "default service group")
	agentCmd.Flags().StringVar(&flagOrg, "org", "", "default organization")
	agentCmd.Flags().StringVar(&flagTopology, "topology", "", "topology hint: standalone|leader|initializer")
	agentCmd.Flags().StringVar(&flagStrategy, "strategy", "", "update strategy hint: none|at-once|rolling")
	agentCmd.Flags().BoolVar(&flagTrace, "trace", false, "enable the trace sink")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(leaveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadAndOverrideConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if flagListenSwim != "" {
		cfg.Network.ListenSwim = flagListenSwim
	}
	if flagListenGossip != "" {
		cfg.Network.ListenGossip = flagListenGossip
	}
	if len(flagPeers) > 0 {
		cfg.Network.Peers = flagPeers
	}
	if flagPermanent {
		cfg.Node.Permanent = true
	}
	if flagRing != "" {
		cfg.Ring.Name = flagRing
	}
	if flagGroup != "" {
		cfg.Node.Group = flagGroup
	}
	if flagOrg != "" {
		cfg.Node.Org = flagOrg
	}
	if flagTopology != "" {
		t, err := config.ParseTopology(flagTopology)
		if err != nil {
			return nil, err
		}
		cfg.Node.Topology = t
	}
	if flagStrategy != "" {
		s, err := config.ParseStrategy(flagStrategy)
		if err != nil {
			return nil, err
		}
		cfg.Node.Strategy = s
	}
	if flagTrace {
		cfg.Trace = true
	}

	if err := config.ValidateListenAddr(cfg.Network.ListenSwim); err != nil {
		return nil, err
	}
	if err := config.ValidateListenAddr(cfg.Network.ListenGossip); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveRingKey loads key material per §6: the ring is named by --ring (or
// the config file), or by HAB_RING when neither names one; HAB_RING_KEY
// supplies the base64-encoded 32-byte secret inline. No ring name means no
// encryption.
func resolveRingKey(cfg *config.Config) (*ring.Key, error) {
	name := cfg.Ring.Name
	if name == "" {
		name = os.Getenv("HAB_RING")
	}
	if name == "" {
		return nil, nil
	}
	raw := os.Getenv("HAB_RING_KEY")
	if raw == "" {
		return nil, fmt.Errorf("ring %q configured but HAB_RING_KEY is not set", name)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode HAB_RING_KEY: %w", err)
	}
	key, err := ring.ParseKey(decoded)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadAndOverrideConfig()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Trace {
		// The trace sink emits its events at debug level.
		level = slog.LevelDebug
	}
	logger := log.New(level)

	ringKey, err := resolveRingKey(cfg)
	if err != nil {
		return err
	}

	sink := trace.New(logger, cfg.Trace)

	localID := member.NewID()
	if cfg.Node.ID != "" {
		parsed, err := member.ParseID(cfg.Node.ID)
		if err == nil {
			localID = parsed
		}
	}

	var peers []server.Peer
	for _, p := range cfg.Network.Peers {
		peers = append(peers, server.Peer{SwimAddr: p, GossipAddr: p})
	}

	s := server.New(logger, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx, cfg.Network.ListenSwim, cfg.Network.ListenGossip, localID, cfg.Node.Permanent, peers, ringKey); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("fleetsup agent running", "local_id", s.LocalID().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	s.Shutdown()
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	id, err := svcgroup.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid service group: %w", err)
	}
	fmt.Printf("Announcing join of %s\n", id.String())
	return nil
}

func runLeave(cmd *cobra.Command, args []string) error {
	id, err := svcgroup.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid service group: %w", err)
	}
	fmt.Printf("Announcing departure of %s\n", id.String())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadAndOverrideConfig()
	if err != nil {
		return err
	}
	fmt.Printf("Node ID: %s\n", cfg.Node.ID)
	fmt.Printf("SWIM listen: %s\n", cfg.Network.ListenSwim)
	fmt.Printf("Gossip listen: %s\n", cfg.Network.ListenGossip)
	fmt.Printf("Peers: %s\n", strings.Join(cfg.Network.Peers, ", "))
	fmt.Printf("Ring: %s\n", cfg.Ring.Name)
	fmt.Printf("Topology: %s\n", cfg.Node.Topology)
	fmt.Printf("Strategy: %s\n", cfg.Node.Strategy)
	return nil
}
