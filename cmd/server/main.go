// Command server runs the single-node knowledge-graph store: it opens the
// sharded engine, starts the background jobs, and serves the binary
// protocol and NL control-surface listeners until interrupted.
//
// Configuration is loaded per spec §6 from (ascending precedence) a YAML
// file, CORTEX_-prefixed environment variables, and flags, via
// internal/config's viper-backed loader; the command itself is a plain
// cobra.Command with one RunE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/cortex/internal/config"
	"github.com/dreamware/cortex/internal/embedclient"
	"github.com/dreamware/cortex/internal/engine"
	"github.com/dreamware/cortex/internal/jobs"
	"github.com/dreamware/cortex/internal/logging"
	"github.com/dreamware/cortex/internal/server"
	"github.com/dreamware/cortex/internal/shardrouter"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the cortex knowledge-graph store",
		RunE:  runServer,
	}

	cmd.Flags().String("config", "", "path to a YAML configuration file")
	cmd.Flags().String("store_dir", "", "root directory for persisted state")
	cmd.Flags().Int("shard_count", 0, "fixed shard count, clamped to [4, 16]")
	cmd.Flags().Int("dimension", 0, "store-wide embedding dimension (0 infers from snapshot)")
	cmd.Flags().String("namespace_default", "", "namespace used when a write omits one")
	cmd.Flags().Duration("reconcile_interval_min", 0, "reconciler's minimum adaptive interval")
	cmd.Flags().Duration("reconcile_interval_max", 0, "reconciler's maximum adaptive interval")
	cmd.Flags().Duration("reconcile_interval_base", 0, "reconciler's initial target interval")
	cmd.Flags().Int("write_log_high_water_mark", 0, "pending writes before overload is returned")
	cmd.Flags().Int("snapshot_threshold", 0, "pending writes before an automatic snapshot+truncate")
	cmd.Flags().String("embedding_service_url", "", "external embedding generator's base URL")
	cmd.Flags().String("embedding_model", "", "model identifier passed to the embedding generator")
	cmd.Flags().Duration("embedding_timeout", 0, "per-attempt embedding request timeout")
	cmd.Flags().Bool("autonomy_enabled", true, "master switch for the goal evaluator and subscription fanout jobs")
	cmd.Flags().Bool("secure_mode", false, "require a signed envelope on every binary-protocol request")
	cmd.Flags().String("auth_token", "", "shared secret for secure mode's HMAC signatures")
	cmd.Flags().String("bind_addr", "", "binary-protocol listen address")
	cmd.Flags().String("control_addr", "", "NL control-surface listen address")
	cmd.Flags().Bool("jobs_enabled", true, "master kill switch for every background job")

	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	log := logging.WithComponent("main")

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var embedder engine.EmbeddingClient
	if cfg.EmbeddingServiceURL != "" {
		embedder = boundEmbedder{
			client: embedclient.New(embedclient.Config{
				BaseURL: cfg.EmbeddingServiceURL,
				Timeout: cfg.EmbeddingTimeout,
			}),
			model: cfg.EmbeddingModel,
		}
	}

	router, err := shardrouter.Open(cfg.StoreDir, cfg.ShardCount, engine.Options{
		Embedder:              embedder,
		Dimension:             cfg.Dimension,
		NamespaceDefault:      cfg.NamespaceDefault,
		ReconcileIntervalMin:  cfg.ReconcileIntervalMin,
		ReconcileIntervalMax:  cfg.ReconcileIntervalMax,
		ReconcileIntervalBase: cfg.ReconcileIntervalBase,
		WriteLogHighWaterMark: cfg.WriteLogHighWaterMark,
		SnapshotThreshold:     cfg.SnapshotThreshold,
	})
	if err != nil {
		// Lock contention, a corrupt snapshot with no usable WAL, or a bad
		// store directory are all unrecoverable startup conditions (spec
		// §6: "non-zero on unrecoverable startup").
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	jobOpts := jobs.DefaultOptions()
	jobOpts.Enabled = cfg.JobsEnabled
	jobOpts.GoalEvaluatorEnabled = cfg.AutonomyEnabled
	jobOpts.SubscriptionFanoutEnabled = cfg.AutonomyEnabled
	runner := jobs.New(router, jobOpts)
	runner.Start()

	srv := server.New(router, embedder, runner, server.Options{
		BindAddr:    cfg.BindAddr,
		ControlAddr: cfg.ControlAddr,
		SecureMode:  cfg.SecureMode,
		AuthSecret:  cfg.AuthToken,
	})

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("received shutdown signal")
	case err := <-serveErrCh:
		if err != nil {
			log.Error().Err(err).Msg("server exited with error")
		}
	}

	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown flush failed")
	}
	runner.Stop()
	if err := router.Close(); err != nil {
		log.Error().Err(err).Msg("closing router")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// boundEmbedder adapts embedclient.Client to engine.EmbeddingClient with a
// fixed model identifier, since the engine itself always calls Embed with
// an empty model string (it has no notion of which model a deployment
// wants — that is purely a deployment-time configuration knob, §6).
type boundEmbedder struct {
	client *embedclient.Client
	model  string
}

func (b boundEmbedder) Embed(ctx context.Context, _ string, text string) ([]float32, error) {
	return b.client.Embed(ctx, b.model, text)
}
