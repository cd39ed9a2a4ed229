// Command caseflow-server is the online service: it serves §6's HTTP
// surface (Gmail push webhook, task-queue processor, SSE demo, health)
// over one wired pipeline spanning every online component from the blob
// store through the adjudicator, following the gateway binary's
// config-then-wire-then-serve composition shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/adjudicator"
	"github.com/caseflow/caseflow/internal/blobstore"
	"github.com/caseflow/caseflow/internal/caseworker"
	"github.com/caseflow/caseflow/internal/classifier"
	"github.com/caseflow/caseflow/internal/config"
	"github.com/caseflow/caseflow/internal/cursorstore"
	"github.com/caseflow/caseflow/internal/dispatcher"
	"github.com/caseflow/caseflow/internal/extraction"
	"github.com/caseflow/caseflow/internal/graphstore"
	"github.com/caseflow/caseflow/internal/httpapi"
	"github.com/caseflow/caseflow/internal/ingress"
	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/logging"
	"github.com/caseflow/caseflow/internal/mailingress"
	"github.com/caseflow/caseflow/internal/ordersstore"
	"github.com/caseflow/caseflow/internal/policydoc"
	"github.com/caseflow/caseflow/internal/redisclient"
	"github.com/caseflow/caseflow/internal/stepcache"
	"github.com/caseflow/caseflow/internal/toolclient"
	"github.com/caseflow/caseflow/internal/verifyagent"
)

const gcpScope = "https://www.googleapis.com/auth/cloud-platform"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "caseflow-server: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := ordersstore.Open(cfg.OrdersDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open orders store")
	}
	defer db.Close()

	graph, err := graphstore.Open(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("open graph store")
	}
	defer graph.Close(ctx)

	tokenSource, err := google.DefaultTokenSource(ctx, gcpScope)
	if err != nil {
		log.Fatal().Err(err).Msg("obtain gcp credentials")
	}
	blobs := blobstore.New(cfg.BlobBucket, tokenSource)

	rdb, err := redisclient.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	cache := wireStepCache(rdb, log)
	cursors := wireCursorStore(rdb, db)

	llmProvider := llm.NewGeminiProvider(cfg.GeminiAPIKey)
	llmRegistry := llm.NewRegistry(cfg.LLMMaxConcurrent)

	corpus := loadPolicyCorpus(ctx, blobs, log)

	graphRead := func(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
		records, err := graph.Read(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, len(records))
		for i, r := range records {
			out[i] = map[string]interface{}(r)
		}
		return out, nil
	}
	adj := adjudicator.NewAdjudicator(graphRead, llmProvider, llmRegistry, cfg.AdjudicatorModel, "Acme", corpus)

	cls := classifier.New(llmProvider, llmRegistry, cfg.ExtractionModel)
	extractor := extraction.NewExtractor(llmProvider, llmRegistry, cfg.ExtractionModel)

	self, err := os.Executable()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve own executable path")
	}
	toolDir := filepath.Dir(self)
	toolPool, err := toolclient.StartPool(ctx, []toolclient.ServerConfig{
		{Name: "docparser", Command: toolDir + "/tool-docparser"},
		{Name: "defectvision", Command: toolDir + "/tool-defectvision"},
		{Name: "dbverify", Command: toolDir + "/tool-dbverify"},
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start tool subprocess pool")
	}
	defer toolPool.Close()

	docTool, _ := toolPool.Get("docparser")
	visionTool, _ := toolPool.Get("defectvision")
	dbTool, _ := toolPool.Get("dbverify")

	verifyAgent := verifyagent.NewAgent(dbTool, llmProvider, llmRegistry, cfg.ExtractionModel)
	caseStore := caseworker.NewCaseStore(db)
	orchestrator := caseworker.New(blobs, docTool, visionTool, extractor, verifyAgent, adj, caseStore, cache)

	dispatch := dispatcher.New(cfg.TaskQueueProject, cfg.TaskQueueRegion, cfg.TaskQueueName, cfg.TaskProcessorURL, cfg.TaskQueueSAEmail, tokenSource)
	gmailClient := mailingress.NewHTTPGmailClient(tokenSource)
	ingressHandler := ingress.NewHandler(cls, gmailClient, blobs, dispatch)
	gmailProcessor := mailingress.NewProcessor(gmailClient, cursors, log, ingressHandler.HandleEvent)

	h := httpapi.NewHandlers(log, gmailProcessor, orchestrator, blobs)
	routerCfg := httpapi.RouterConfig{
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RequestTimeout: 5 * time.Minute,
		ProcessorToken: os.Getenv("PROCESSOR_AUTH_TOKEN"),
		DemoToken:      os.Getenv("DEMO_AUTH_TOKEN"),
	}
	router := httpapi.NewRouter(routerCfg, log, h)

	server := &http.Server{Addr: cfg.Addr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("caseflow-server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// wireStepCache uses Redis when configured, otherwise a cache bound to a
// nil client, which stepcache.Cache treats as an always-miss no-op.
func wireStepCache(rdb *redisclient.Client, log zerolog.Logger) *stepcache.Cache {
	if rdb == nil {
		return stepcache.New(nil, log)
	}
	return stepcache.New(rdb.Raw, log)
}

// wireCursorStore uses Redis for the Gmail history cursor when REDIS_URL
// is set (lower latency, matches the push-notification cadence) and the
// orders database otherwise. The choice is made once at startup: when a
// configured Redis becomes unreachable, cursor reads and writes fail
// rather than moving to the orders database.
func wireCursorStore(rdb *redisclient.Client, db *ordersstore.Store) cursorstore.Store {
	if rdb != nil {
		return cursorstore.NewRedisStore(rdb.Raw)
	}
	return cursorstore.NewPostgresStore(db.DB())
}

// loadPolicyCorpus reads the markdown+citation-index blob the policy
// compiler publishes (see cmd/policy-compiler) so the adjudicator can
// resolve §4.Q.5 citations back to source text. A missing corpus blob
// degrades to an empty Corpus — RetrieveSourceText tolerates that and
// returns "" rather than failing the case.
func loadPolicyCorpus(ctx context.Context, blobs *blobstore.Store, log zerolog.Logger) *policydoc.Corpus {
	raw, err := blobs.Get(ctx, "policy-corpus.json")
	if err != nil {
		log.Warn().Err(err).Msg("no policy corpus blob found, citations will not resolve")
		return &policydoc.Corpus{}
	}
	var corpus policydoc.Corpus
	if err := json.Unmarshal(raw, &corpus); err != nil {
		log.Warn().Err(err).Msg("policy corpus blob is malformed, ignoring")
		return &policydoc.Corpus{}
	}
	return &corpus
}
