// Command meshnode runs one node of the mesh: it loads configuration,
// starts the inbound RPC listener, dials Node.ConnectTo if configured, and
// serves until interrupted.
//
// Kept intentionally thin: this entrypoint only wires the process
// together. Readers and writers are attached by code embedding the
// packages, not from the command line.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dsmesh/mesh/internal/config"
	"github.com/dsmesh/mesh/internal/dispatch"
	"github.com/dsmesh/mesh/internal/history"
	"github.com/dsmesh/mesh/internal/mesh"
	"github.com/dsmesh/mesh/internal/rpctransport"
	"github.com/dsmesh/mesh/internal/topic"
	"github.com/dsmesh/mesh/internal/wire"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "meshnode",
		Short: "Run one node of the mesh topic-distribution network.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (optional; env MESHNODE_* and defaults still apply)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("meshnode: %w", err)
	}

	self := wire.NodeID{Name: cfg.Node.Name, Category: cfg.Node.Category}
	var relayVia wire.NodeID
	if cfg.Node.RelayVia != "" {
		relayVia = wire.NodeID{Name: cfg.Node.RelayVia}
	}

	metrics := mesh.NewCollector(nil)
	historyMetrics := history.NewCollector(nil)
	dispatchMetrics := dispatch.NewCollector(nil)
	dialer := rpctransport.NewDialer()
	backoff := mesh.BackoffPolicy{Initial: cfg.Node.RetryDelayInitial, Max: cfg.Node.RetryDelayMax, Multiplier: 2}

	mesh.SetTraceLevel(cfg.Trace.Session)
	instance := mesh.NewInstance(self, dialer, backoff, cfg.Node.PublicAddr, relayVia, metrics)
	instance.SetRelayProxyFactory(rpctransport.RelayProxyFactory(instance.SelfRef))
	registry := topic.NewRegistry(instance)
	registry.SetMetrics(historyMetrics, dispatchMetrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group

	if cfg.Node.ListenAddr != "" {
		server, err := rpctransport.NewServer(cfg.Node.ListenAddr, instance, registry, cfg.Node.MaxInboundConns)
		if err != nil {
			return fmt.Errorf("meshnode: listen %s: %w", cfg.Node.ListenAddr, err)
		}
		log.Println("meshnode: listening on", server.Addr())
		g.Go(func() error {
			if err := server.Serve(); err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsSrv.Close()
		})
	}

	if cfg.Node.ConnectTo != "" {
		// The peer's NodeID is unknown until CreateSession's handshake
		// responds; a zero ID is a fine map key here since a node only
		// ever has one statically configured bootstrap peer.
		instance.EnsureManager(ctx, wire.NodeRef{Addr: cfg.Node.ConnectTo})
	}

	g.Go(func() error {
		<-ctx.Done()
		instance.Close()
		return dialer.Close()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("meshnode: %w", err)
	}
	return nil
}
