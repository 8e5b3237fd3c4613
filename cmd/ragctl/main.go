// Command ragctl drives the adaptive RAG service from the command line: it
// ingests a document or runs a retrieval query against whichever Search,
// Vector, and Graph backends the loaded configuration selects.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"adaptiverag/internal/config"
	"adaptiverag/internal/embedding"
	"adaptiverag/internal/llm/providers"
	"adaptiverag/internal/observability"
	"adaptiverag/internal/persistence/databases"
	"adaptiverag/internal/rag/answercache"
	"adaptiverag/internal/rag/bandit"
	"adaptiverag/internal/rag/bm25"
	"adaptiverag/internal/rag/classify"
	"adaptiverag/internal/rag/embedder"
	"adaptiverag/internal/rag/facade"
	"adaptiverag/internal/rag/feedback"
	"adaptiverag/internal/rag/governance"
	"adaptiverag/internal/rag/ingest"
	"adaptiverag/internal/rag/retrieve"
	"adaptiverag/internal/rag/service"
	"adaptiverag/internal/rag/strategy"
)

func main() {
	log.SetFlags(0)
	var (
		mode       = flag.String("mode", "query", "operation: query | ingest | ask | feedback")
		query      = flag.String("query", "", "query text (mode=query|ask)")
		docID      = flag.String("doc-id", "", "document ID (mode=ingest)")
		docText    = flag.String("text", "", "document text, or use -stdin (mode=ingest)")
		stdin      = flag.Bool("stdin", false, "read document text from STDIN (mode=ingest)")
		k          = flag.Int("k", 10, "number of results to return (mode=query|ask)")
		rerank     = flag.Bool("rerank", true, "apply cross-encoder reranking (mode=query)")
		queryID    = flag.String("query-id", "", "query_id to attach feedback to (mode=feedback)")
		rating     = flag.Float64("rating", 1.0, "feedback rating in [0,1] (mode=feedback)")
		comment    = flag.String("comment", "", "optional feedback comment (mode=feedback)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	svc, err := buildService(ctx, cfg)
	if err != nil {
		log.Fatalf("build service: %v", err)
	}

	switch *mode {
	case "ingest":
		text := *docText
		if *stdin {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				log.Fatalf("read stdin: %v", err)
			}
			text = string(b)
		}
		if *docID == "" || text == "" {
			log.Fatal("mode=ingest requires -doc-id and (-text or -stdin)")
		}
		resp, err := svc.Ingest(ctx, ingest.IngestRequest{
			ID:   *docID,
			Text: text,
			Options: ingest.IngestOptions{
				Embedding: ingest.EmbeddingOptions{Enabled: cfg.Vector.Backend != ""},
			},
		})
		if err != nil {
			log.Fatalf("ingest: %v", err)
		}
		printJSON(resp)
	case "query":
		if *query == "" {
			log.Fatal("mode=query requires -query")
		}
		resp, err := svc.Retrieve(ctx, *query, retrieve.RetrieveOptions{
			K:              *k,
			FtK:            *k * 4,
			VecK:           *k * 4,
			UseRRF:         true,
			IncludeSnippet: true,
			Rerank:         *rerank,
		})
		if err != nil {
			log.Fatalf("retrieve: %v", err)
		}
		printJSON(resp)
	case "ask":
		if *query == "" {
			log.Fatal("mode=ask requires -query")
		}
		f, err := buildFacade(ctx, cfg)
		if err != nil {
			log.Fatalf("build facade: %v", err)
		}
		resp, err := f.Ask(ctx, *query, strategy.Knobs{TopK: *k})
		if err != nil {
			log.Fatalf("ask: %v", err)
		}
		printJSON(resp)
	case "feedback":
		if *queryID == "" {
			log.Fatal("mode=feedback requires -query-id")
		}
		f, err := buildFacade(ctx, cfg)
		if err != nil {
			log.Fatalf("build facade: %v", err)
		}
		resp, err := f.SubmitFeedback(ctx, *queryID, *rating, *comment)
		if err != nil {
			log.Fatalf("submit feedback: %v", err)
		}
		printJSON(resp)
	default:
		log.Fatalf("unknown -mode %q", *mode)
	}
}

// buildService wires the persistence Manager, embedder, and reranker chosen
// by cfg into a *service.Service, the same assembly a long-running server
// would perform at startup.
func buildService(ctx context.Context, cfg config.Config) (*service.Service, error) {
	mgr, err := databases.NewManager(ctx, config.DBConfig{
		Search: cfg.Search,
		Vector: cfg.Vector,
		Graph:  cfg.Graph,
	})
	if err != nil {
		return nil, err
	}

	opts := []service.Option{
		service.WithEmbedder(embedder.NewClient(cfg.Embedding, cfg.Embedding.Dimensions)),
	}
	if cfg.Reranker.BaseURL != "" {
		httpClient := observability.NewHTTPClient(&http.Client{Timeout: 30 * time.Second})
		opts = append(opts, service.WithReranker(embedding.NewCrossEncoderReranker(cfg.Reranker, httpClient)))
	}

	return service.New(mgr, opts...), nil
}

// buildFacade wires the classifier, bandit router, answer cache, governance
// tracker, and the four strategies into a *facade.Facade — the same
// assembly a long-running ask/submit_feedback server would perform once at
// startup. Each CLI invocation is a fresh process, so the query history
// ring starts empty; a server process holds it across requests instead.
func buildFacade(ctx context.Context, cfg config.Config) (*facade.Facade, error) {
	mgr, err := databases.NewManager(ctx, config.DBConfig{
		Search: cfg.Search,
		Vector: cfg.Vector,
		Graph:  cfg.Graph,
	})
	if err != nil {
		return nil, err
	}

	emb := embedder.NewClient(cfg.Embedding, cfg.Embedding.Dimensions)

	httpClient := observability.NewHTTPClient(&http.Client{Timeout: 60 * time.Second})
	provider, err := providers.Build(cfg, httpClient)
	if err != nil {
		return nil, err
	}
	model := cfg.LLMClient.OpenAI.Model

	var rr retrieve.Reranker = retrieve.NoopReranker{}
	if cfg.Reranker.BaseURL != "" {
		rr = embedding.NewCrossEncoderReranker(cfg.Reranker, httpClient)
	}

	bmIndex := bm25.NewIndex(cfg.BM25.IndexPath)
	bmIndex.Load()

	retriever := &strategy.HybridRetriever{Vector: mgr.Vector, BM25: bmIndex, Emb: emb, Rerank: rr}
	hybrid := &strategy.HybridStrategy{Retriever: retriever, LLM: provider, Model: model}

	router := bandit.NewRouter(cfg.Bandit)
	classifier := classify.NewClassifier(cfg.Cache, provider, model)
	cache, err := answercache.New(cfg.Cache, emb)
	if err != nil {
		return nil, err
	}
	tracker := governance.NewTracker(nil)
	audit, err := governance.NewClickHouseAuditSink(ctx, cfg.Governance)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("governance_audit_sink_disabled")
		audit = nil
	}

	history := feedback.NewHistory(cfg.Feedback)
	feedbackSvc := feedback.NewService(cfg.Feedback, history, router, cache)

	return &facade.Facade{
		Classifier: classifier,
		Bandit:     router,
		Cache:      cache,
		Governance: tracker,
		Audit:      audit,
		Feedback:   feedbackSvc,
		History:    history,
		Hybrid:     hybrid,
		Iterative: &strategy.IterativeStrategy{
			Hybrid: hybrid, Retriever: retriever, LLM: provider, Model: model,
		},
		Graph: &strategy.GraphStrategy{Retriever: retriever, LLM: provider, Model: model, Cfg: cfg.Graph},
		Table: &strategy.TableStrategy{
			Retriever: retriever, LLM: provider, Model: model, Cfg: cfg.Table,
			SpreadsheetPath: cfg.Table.SpreadsheetPath,
		},
		GovCfg: cfg.Governance,
	}, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Fatalf("encode output: %v", err)
	}
}
