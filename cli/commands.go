package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"peerlink/config"
	appcrypto "peerlink/crypto"
	"peerlink/discovery"
	"peerlink/models"
)

const (
	seenIDRetention  = time.Hour
	seenIDPruneEvery = 10 * time.Minute
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the local node identity and settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			paired, err := n.manager.PairedNodes()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Node ID:         %s\n", n.cfg.NodeID)
			fmt.Fprintf(out, "Node Name:       %s\n", n.cfg.NodeName)
			fmt.Fprintf(out, "Listen Address:  %s (%s)\n", n.cfg.ListenAddress(), n.cfg.PortMode)
			fmt.Fprintf(out, "Service Type:    %s\n", n.cfg.ServiceType)
			fmt.Fprintf(out, "Fingerprint:     %s\n", appcrypto.FormatFingerprint(n.cfg.KeyFingerprint))
			fmt.Fprintf(out, "Pairing Account: %s\n", valueOr(n.cfg.PairingUser, "(not set)"))
			fmt.Fprintf(out, "Paired Nodes:    %d\n", len(paired))
			fmt.Fprintf(out, "Config File:     %s\n", n.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", n.dataDir)
			return nil
		},
	}
}

func setPasswordCmd() *cobra.Command {
	var user, password string
	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set the account remote nodes must present to pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, _, err := loadConfig()
			if err != nil {
				return err
			}
			hash, err := appcrypto.HashPassword(password)
			if err != nil {
				return err
			}
			cfg.PairingUser = user
			cfg.PairingPasswordHash = hash
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pairing account %q saved.\n", user)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "pairing account name")
	cmd.Flags().StringVar(&password, "password", "", "pairing account password")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for nodes that are not paired yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			nodes, err := n.manager.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No unpaired nodes found.")
				return nil
			}
			printNodes(cmd, nodes)
			return nil
		},
	}
}

func pairCmd() *cobra.Command {
	var user, password string
	cmd := &cobra.Command{
		Use:   "pair <ip:port|address-hex>",
		Short: "Pair with a node using its pairing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			// The remote records the listening address it is told about.
			if err := n.manager.Start(cmd.Context()); err != nil {
				return err
			}
			paired, err := n.manager.PairNode(cmd.Context(), models.PeerNode{Address: address}, user, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paired with %s.\n", paired)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "remote pairing account name")
	cmd.Flags().StringVar(&password, "password", "", "remote pairing account password")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <node-id>",
		Short: "Remove trust in a paired node on both sides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			target, err := n.pairedNode(args[0])
			if err != nil {
				return err
			}
			if err := n.manager.UnpairNode(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unpaired %s.\n", target)
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List paired nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			nodes, err := n.manager.PairedNodes()
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No paired nodes.")
				return nil
			}
			printNodes(cmd, nodes)
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <node-id>",
		Short: "Measure the round trip to a paired node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			target, err := n.pairedNode(args[0])
			if err != nil {
				return err
			}
			rtt, err := n.manager.Ping(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reply from %s in %s.\n", target, rtt.Round(time.Millisecond))
			return nil
		},
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Accept pairing and messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runListen(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func runListen(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode()
	if err != nil {
		return err
	}
	defer n.Close()

	if n.cfg.PairingUser == "" {
		logger.Warn().Msg("no pairing account set; inbound pairing requests will be rejected (see set-password)")
	}
	if err := n.manager.Start(ctx); err != nil {
		return err
	}

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		Service:        n.cfg.ServiceType,
		NodeID:         n.cfg.NodeID,
		NodeName:       n.cfg.NodeName,
		ListeningPort:  n.transport.Port(),
		KeyFingerprint: n.cfg.KeyFingerprint,
	})
	if err != nil {
		return fmt.Errorf("start mDNS broadcaster: %w", err)
	}
	defer broadcaster.Stop()

	logger.Info().
		Str("node_id", n.cfg.NodeID).
		Str("address", n.manager.LocalNode().Address.String()).
		Int("port", n.transport.Port()).
		Msg("listening")

	ticker := time.NewTicker(seenIDPruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-seenIDRetention).UnixMilli()
			if pruned, err := n.store.PruneSeenIDs(cutoff); err != nil {
				logger.Warn().Err(err).Msg("prune seen message ids")
			} else if pruned > 0 {
				logger.Debug().Int64("pruned", pruned).Msg("pruned seen message ids")
			}
		}
	}
}

func printNodes(cmd *cobra.Command, nodes []models.PeerNode) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tNODE ID\tADDRESS")
	for _, node := range nodes {
		id := "-"
		if node.Bound() {
			id = node.ID.String()
		}
		endpoint := node.Address.String()
		if ap, err := node.Address.AddrPort(); err == nil {
			endpoint = ap.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", node.DisplayName, id, endpoint)
	}
	_ = w.Flush()
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
