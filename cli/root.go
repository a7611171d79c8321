// Package cli wires the indexing bridge's configuration into its
// components and runs the process: the pipeline controller's cron-scheduled
// cycle loop alongside the ops HTTP surface, until a shutdown signal arrives.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"txbridge.dev/config"
	"txbridge.dev/content"
	"txbridge.dev/index"
	"txbridge.dev/logging"
	"txbridge.dev/metadata"
	"txbridge.dev/metrics"
	"txbridge.dev/namespace"
	"txbridge.dev/opsapi"
	"txbridge.dev/pipeline"
	"txbridge.dev/repository"
	"txbridge.dev/search"
	"txbridge.dev/transport"
)

var cfgFile string

// RootCmd is the indexing bridge's single command: load configuration, wire
// every component, and run until told to stop.
var RootCmd = &cobra.Command{
	Use:   "txbridge",
	Short: "replicates repository transactions into a search index",
	Long: `txbridge is a cursor-driven bridge that replicates content-repository
transactions into a search engine index: it reads the transaction feed in
order, resolves node metadata and ACLs, rewrites namespace-qualified
property keys, and upserts documents with a server-side last-writer-wins
merge. Text content is backfilled asynchronously by a bounded worker pool.`,
	RunE: run,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	RootCmd.PersistentFlags().String("repository-base-url", "", "repository admin API base URL")
	RootCmd.PersistentFlags().String("search-base-url", "", "search engine base URL")
	RootCmd.PersistentFlags().String("cron", "", "cycle schedule (cron expression or @every duration)")
}

// Execute runs the root command, returning a non-zero process exit only on
// startup-time failure; cycle failures are logged and do not terminate the
// process.
func Execute() error {
	return RootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.Logging.Level), Format: logging.Format(cfg.Logging.Format)})

	repoTransport, err := buildTransport(cfg.Repository.AuthMode, cfg.Repository.SecretHeader, cfg.Repository.Secret,
		cfg.Repository.KeystoreCert, cfg.Repository.KeystoreKey, cfg.Repository.Truststore, cfg.Repository.ServerName)
	if err != nil {
		return fmt.Errorf("cli: build repository transport: %w", err)
	}
	searchTransport, err := buildTransport(cfg.Search.AuthMode, cfg.Search.SecretHeader, cfg.Search.Secret,
		cfg.Search.KeystoreCert, cfg.Search.KeystoreKey, cfg.Search.Truststore, cfg.Search.ServerName)
	if err != nil {
		return fmt.Errorf("cli: build search transport: %w", err)
	}

	repoClient := repository.New(cfg.Repository.BaseURL, repoTransport)
	searchClient, err := search.New(cfg.Search.BaseURL, searchTransport)
	if err != nil {
		return fmt.Errorf("cli: build search client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	indexMgr := index.New(searchClient, cfg.Search.DataIndex, cfg.Search.ControlIndex)
	if err := indexMgr.EnsureIndices(ctx); err != nil {
		return fmt.Errorf("cli: ensure indices: %w", err)
	}

	nsMapper := namespace.New(repoClient, logging.CycleLogger(logger, "namespace", 0))
	resolver := metadata.New(repoClient, logging.CycleLogger(logger, "metadata", 0), cfg.Indexer.MetadataBatchSize)

	reg := metrics.New(nil)
	contentPool := content.New(repoClient, searchClient, logging.CycleLogger(logger, "content", 0), reg,
		cfg.Indexer.ContentThreads, cfg.Indexer.ContentQueueSize)

	status := opsapi.NewStatus()
	controller := pipeline.New(pipeline.Config{
		Repository:   repoClient,
		Namespace:    nsMapper,
		Resolver:     resolver,
		IndexManager: indexMgr,
		Search:       searchClient,
		Content:      contentPool,
		Metrics:      reg,
		DataIndex:    cfg.Search.DataIndex,
		MaxResults:   cfg.Indexer.TransactionMaxResults,
		Logger:       logger,
		OnStatus:     status.Record,
	})

	opsServer := opsapi.New(status, cfg.Indexer.MetricsAddr != "", cfg.Indexer.OpsRateLimit)

	errCh := make(chan error, 2)
	controllerDone := make(chan struct{})
	go func() {
		defer close(controllerDone)
		if err := controller.Start(ctx, cfg.Indexer.Cron); err != nil {
			errCh <- fmt.Errorf("pipeline controller: %w", err)
		}
	}()
	if cfg.Indexer.MetricsAddr != "" {
		go func() {
			if err := opsServer.Start(ctx, cfg.Indexer.MetricsAddr, config.ContentDrainTimeout); err != nil {
				errCh <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.WithError(err).Error("cli: component exited unexpectedly")
	}

	// Stop the scheduler and wait for an in-flight cycle to finish before the
	// content pool's queue is closed.
	stop()
	<-controllerDone
	contentPool.Close(config.ContentDrainTimeout)
	return nil
}

// buildTransport constructs the shared-secret or mutual-TLS transport for
// one of the two upstream clients, per the configured auth mode.
func buildTransport(authMode, secretHeader, secret, keystoreCert, keystoreKey, truststore, serverName string) (transport.Transport, error) {
	pool := transport.DefaultPoolConfig()
	if authMode == "mtls" {
		return transport.NewMutualTLSTransport(transport.TLSConfig{
			KeystoreCertPath: keystoreCert,
			KeystoreKeyPath:  keystoreKey,
			TruststorePath:   truststore,
			ServerName:       serverName,
		}, pool)
	}
	return transport.NewSecretTransport(secretHeader, secret, pool), nil
}
