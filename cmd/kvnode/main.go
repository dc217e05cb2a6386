// Package main implements the MerkleKV node service: a single TCP command
// server backed by a concurrent storage engine, replicating writes to
// peers over a pub/sub bus and reconciling divergence with them on a
// schedule via Merkle-tree anti-entropy.
//
// The node is the only runtime binary this module ships. There is no
// coordinator: every node is a peer, configured with the address of the
// broker it replicates through and of the peers it reconciles against.
//
// Configuration:
//   - --config: path to a YAML config file (optional; see internal/config)
//   - --engine: storage engine id override
//   - --storage-path: storage path override (engine-specific, unused by
//     the in-memory engine)
//   - --listen: "host:port" override for the command server
//   - CLIENT_ID / CLIENT_PASSWORD: replication bus credential overrides
//
// Example usage:
//
//	./kvnode --config node1.yaml --listen 0.0.0.0:7379
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/merklekv/internal/bus"
	"github.com/dreamware/merklekv/internal/change"
	"github.com/dreamware/merklekv/internal/cluster"
	"github.com/dreamware/merklekv/internal/config"
	"github.com/dreamware/merklekv/internal/protocol"
	"github.com/dreamware/merklekv/internal/reconcile"
	"github.com/dreamware/merklekv/internal/replication"
	"github.com/dreamware/merklekv/internal/server"
	"github.com/dreamware/merklekv/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests. This
// indirection enables test code to intercept fatal errors without
// actually terminating the test process.
var logFatal = log.Fatalf

func main() {
	var configPath, engine, storagePath, listen string

	cmd := &cobra.Command{
		Use:   "kvnode",
		Short: "Run a MerkleKV storage node",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath, engine, storagePath, listen)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&engine, "engine", "", "storage engine override")
	cmd.Flags().StringVar(&storagePath, "storage-path", "", "storage path override")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address override (host:port)")

	if err := cmd.Execute(); err != nil {
		logFatal("%v", err)
	}
}

func run(configPath, engine, storagePath, listen string) error {
	cfg, err := config.Load(configPath, engine, storagePath, listen)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	store, err := storage.NewEngine(cfg.Engine, cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("storage engine: %w", err)
	}
	nodeID := cfg.Replication.ClientID

	var eventBus bus.Bus = bus.NewMemoryBus()
	if cfg.Replication.Enabled {
		nb, err := bus.DialNATS(cfg.Replication.Broker, nodeID, cfg.Replication.ClientPassword)
		if err != nil {
			return fmt.Errorf("dial replication bus: %w", err)
		}
		eventBus = nb
	}
	defer eventBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var publish func(op change.OpKind, key string, val []byte)
	if cfg.Replication.Enabled {
		repl := replication.New(replication.Config{
			TopicPrefix: cfg.Replication.TopicPrefix,
			NodeID:      nodeID,
			Encoding:    change.EncodingCBOR,
		}, eventBus, store, log)

		go func() {
			if err := repl.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("replicator stopped", zap.Error(err))
			}
		}()

		publish = func(op change.OpKind, key string, val []byte) {
			if err := repl.Publish(ctx, op, key, val); err != nil {
				log.Warn("publish failed", zap.String("key", key), zap.Error(err))
			}
		}
	}

	peers := cluster.NewRegistry()

	var scheduler *reconcile.Scheduler
	if cfg.AntiEntropy.Enabled && len(cfg.AntiEntropy.PeerList) > 0 {
		interval := time.Duration(cfg.AntiEntropy.IntervalSeconds) * time.Second
		scheduler = reconcile.NewScheduler(store, dialPeer, cfg.AntiEntropy.PeerList, interval, log)
		scheduler.AttachRegistry(peers)
		go scheduler.Run(ctx)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := server.New(store, nodeID, log, publish, dialPeer, func() {
		cancel()
		if scheduler != nil {
			scheduler.Stop()
		}
		ln.Close()
	})
	srv.SetPeerRegistry(peers)

	go func() {
		log.Info("node listening", zap.String("addr", ln.Addr().String()), zap.String("node_id", nodeID))
		if err := srv.Serve(ln); err != nil {
			log.Warn("serve stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}
	ln.Close()
	log.Info("node stopped")
	return nil
}

func dialPeer(addr string) (reconcile.Peer, error) {
	return protocol.Dial(addr)
}
