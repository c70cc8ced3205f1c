package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/approval"
	"bounty-zk/pkg/attest"
	"bounty-zk/pkg/config"
	"bounty-zk/pkg/dedup"
	"bounty-zk/pkg/disclosure"
	"bounty-zk/pkg/embed"
	"bounty-zk/pkg/index"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/metrics"
	"bounty-zk/pkg/prover"
	"bounty-zk/pkg/seal"
	"bounty-zk/pkg/submission"
	"bounty-zk/web/api"
)

var log = logrus.New()

func main() {
	config.Flags(flag.CommandLine)
	flag.Parse()

	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(flag.CommandLine)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.Server.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("Server stopped with error")
	}
}

func run(cfg *config.Config) error {
	entry := logrus.NewEntry(log)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Proving keys are loaded once and shared by every request
	keys, err := loadKeys(cfg.Prover)
	if err != nil {
		return err
	}
	circuitID, err := bugproof.CircuitID(keys)
	if err != nil {
		return err
	}
	vkBytes, err := bugproof.GetVerifyingKeyBytes(keys)
	if err != nil {
		return err
	}
	proofs, err := prover.New(keys, prover.Config{Workers: cfg.Prover.Workers, Timeout: cfg.Prover.Timeout}, entry)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"circuit_id":  circuitID,
		"constraints": keys.CCS.GetNbConstraints(),
		"workers":     cfg.Prover.Workers,
	}).Info("Prover ready")

	idx, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}

	embedder, classifier, err := openEmbedding(cfg.Embedding)
	if err != nil {
		return err
	}

	var resolve dedup.TextResolver = dedup.PlainText
	var sealer *seal.Sealer
	if cfg.Seal.Identity != "" {
		if sealer, err = seal.New(cfg.Seal.Identity, cfg.Seal.Recipients...); err != nil {
			return err
		}
		resolve = sealer.ReportText
		log.WithField("recipient", sealer.Recipient()).Info("Report sealing enabled")
	}

	checker, err := dedup.NewChecker(idx, classifier, dedup.Policy{
		TopK:           cfg.Dedup.TopK,
		MinVectorScore: cfg.Dedup.MinVectorScore,
		Threshold:      cfg.Dedup.Threshold,
	}, resolve, entry)
	if err != nil {
		return err
	}

	var disclose *disclosure.Sealer
	if cfg.Disclosure.Enabled {
		disclose, err = disclosure.NewSealer(disclosure.Network{
			ChainHash:   cfg.Disclosure.ChainHash,
			GenesisTime: cfg.Disclosure.Genesis,
			Period:      cfg.Disclosure.Period,
			Endpoints:   cfg.Disclosure.Endpoints,
		}, cfg.Disclosure.Window, nil, entry)
		if err != nil {
			return err
		}
	}

	var signer *attest.Signer
	if cfg.Receipts.SigningKey != "" {
		if signer, err = attest.NewSigner(cfg.Receipts.SigningKey); err != nil {
			return err
		}
		log.WithField("public_key", signer.PublicKey()).Info("Receipt signing enabled")
	}

	chain, err := ledger.Dial(ctx, ledger.Config{
		RPCURL:            cfg.Chain.RPCURL,
		ContractAddress:   cfg.Chain.ContractAddress,
		ReputationAddress: cfg.Chain.ReputationAddress,
		PrivateKey:        cfg.Chain.PrivateKey,
		ChainID:           cfg.Chain.ChainID,
		GasLimit:          cfg.Chain.GasLimit,
		PollInterval:      cfg.Chain.PollInterval,
		ConfirmTimeout:    cfg.Chain.ConfirmTimeout,
	}, entry)
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	retry := ledger.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Chain.MaxAttempts

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	m.RegisterProver(reg, proofs.Stats)

	retrier := submission.NewIndexRetrier(cfg.Index.RetryWorkers, cfg.Index.RetryInterval, m, entry)
	go retrier.Run(ctx)

	coordinator, err := submission.New(submission.Deps{
		Embedder:   embedder,
		Checker:    checker,
		Prover:     proofs,
		Ledger:     chain,
		Index:      idx,
		Retrier:    retrier,
		Sealer:     sealer,
		Disclosure: disclose,
		Signer:     signer,
		Metrics:    m,
		Retry:      retry,
	}, entry)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(api.Options{
		Submitter: coordinator,
		Decider:   approval.New(chain, idx, retrier, retry, entry),
		Ledger:    chain,
		Index:     idx,
		Circuit:   api.CircuitInfo{ID: circuitID, VKHash: bugproof.ComputeVKHash(vkBytes)},
		Metrics:   m,
		Gatherer:  reg,
	}, entry)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("Starting bounty-zk API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	log.Info("Shutting down bounty-zk service...")

	// In-flight submissions past their broadcast keep running until
	// confirmed; Shutdown waits for their handlers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to gracefully shutdown HTTP server")
	}

	stop()
	<-retrier.Done()

	log.Info("bounty-zk service stopped")
	return nil
}

func loadKeys(cfg config.Prover) (*bugproof.ProvingKeys, error) {
	if cfg.DevSetup {
		log.Warn("Running in-process trusted setup; proofs will not verify against a deployed verifier")
		return bugproof.Setup()
	}
	keys, err := bugproof.LoadKeys(cfg.ProvingKey, cfg.VerifyingKey)
	if err != nil {
		return nil, &prover.ProofError{Kind: prover.KindConfiguration, Err: err}
	}
	return keys, nil
}

func openIndex(ctx context.Context, cfg *config.Config) (index.Index, error) {
	if cfg.Redis.Memory {
		log.Warn("Using in-memory similarity index; records are lost on restart")
		return index.NewMemoryIndex(cfg.Embedding.Dimensions), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return index.NewRedisIndex(client, cfg.Redis.KeyPrefix, cfg.Embedding.Dimensions), nil
}

func openEmbedding(cfg config.Embedding) (embed.Embedder, embed.Classifier, error) {
	var (
		embedder   embed.Embedder
		classifier embed.Classifier
	)

	switch cfg.Provider {
	case "ollama":
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		embedder = embed.NewOllamaClient(base, cfg.Model, cfg.Timeout)
		// Ollama serves an OpenAI compatible chat API under /v1
		classifier = embed.NewOpenAIClient(embed.OpenAIConfig{
			APIKey:          "ollama",
			BaseURL:         base + "/v1",
			ClassifierModel: cfg.ClassifierModel,
		})
	default:
		client := embed.NewOpenAIClient(embed.OpenAIConfig{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			EmbeddingModel:  cfg.Model,
			ClassifierModel: cfg.ClassifierModel,
			Dimensions:      cfg.Dimensions,
		})
		embedder, classifier = client, client
	}

	cached, err := embed.NewCachingEmbedder(embedder, cfg.CacheSize)
	if err != nil {
		return nil, nil, err
	}
	return cached, classifier, nil
}
