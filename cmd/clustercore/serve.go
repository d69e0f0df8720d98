package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"clustercore/config"
	"clustercore/pkg/logging"
	"clustercore/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		generateID bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts := []config.Option{config.WithFlags(map[string]*pflag.Flag{
				"cluster.node_id":     flags.Lookup("node-id"),
				"cluster.detector":    flags.Lookup("detector"),
				"messaging.host":      flags.Lookup("host"),
				"messaging.port":      flags.Lookup("port"),
				"storage.backend":     flags.Lookup("backend"),
				"storage.data_dir":    flags.Lookup("data-dir"),
				"raft.bind_addr":      flags.Lookup("raft-addr"),
				"raft.bootstrap":      flags.Lookup("bootstrap"),
				"logging.level":       flags.Lookup("log-level"),
				"cluster.gossip_join": flags.Lookup("join"),
			})}
			if generateID {
				opts = append(opts, config.WithGeneratedNodeID())
			}

			cfg, err := config.LoadConfig(configPath, opts...)
			if err != nil {
				return err
			}

			logger, closer, err := logging.New("clustercore", cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			srv, err := server.NewServer(cfg, logger)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("starting clustercore", "node", cfg.Cluster.NodeID)
			if err := srv.Start(ctx); err != nil {
				_ = srv.Stop()
				return err
			}
			logger.Info("clustercore stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file")
	flags.BoolVar(&generateID, "generate-id", false, "Generate a node id when none is configured")
	flags.String("node-id", "", "Node id")
	flags.String("detector", config.DetectorHeartbeat, "Failure detector (heartbeat or gossip)")
	flags.String("host", "127.0.0.1", "Messaging host")
	flags.Int("port", 9876, "Messaging port")
	flags.String("backend", "memory", "Counter backend (memory, badger, bolt or raft)")
	flags.String("data-dir", "./data", "Data directory")
	flags.String("raft-addr", "127.0.0.1:9877", "Raft bind address")
	flags.Bool("bootstrap", false, "Bootstrap the raft group")
	flags.String("log-level", "info", "Log level")
	flags.String("join", "", "Gossip member to join")
	return cmd
}
