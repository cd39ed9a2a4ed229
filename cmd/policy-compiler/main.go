// Command policy-compiler is the offline pipeline driver for components
// R through V: parse policy PDFs, design an ontology, extract and link
// triplets, critique the result with up to two revision retries, then
// build the Neo4j graph and publish the citation corpus the online
// adjudicator loads at startup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caseflow/caseflow/internal/config"
	"github.com/caseflow/caseflow/internal/critic"
	"github.com/caseflow/caseflow/internal/graphbuilder"
	"github.com/caseflow/caseflow/internal/graphstore"
	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/logging"
	"github.com/caseflow/caseflow/internal/ontology"
	"github.com/caseflow/caseflow/internal/policydoc"
	"github.com/caseflow/caseflow/internal/policyingest"
	"github.com/caseflow/caseflow/internal/tripletextract"
)

// maxRevisionRetries bounds how many times T re-runs against the same
// schema after U reports needs_revision, per §4.U's pipeline contract.
const maxRevisionRetries = 2

func main() {
	sourceDir := flag.String("source-dir", "", "directory of policy PDFs to ingest")
	clearGraph := flag.Bool("clear-graph", false, "wipe the graph before building (fresh compile, not an incremental update)")
	corpusOut := flag.String("corpus-out", "policy-corpus.json", "local path to write the compiled corpus JSON")
	flag.Parse()

	if *sourceDir == "" {
		fmt.Fprintln(os.Stderr, "policy-compiler: -source-dir is required")
		os.Exit(1)
	}

	cfg := config.LoadSkipValidation()
	log := logging.New(cfg)
	ctx := context.Background()

	if cfg.GeminiAPIKey == "" || cfg.Neo4jURI == "" {
		log.Fatal().Msg("GEMINI_API_KEY and NEO4J_URI/NEO4J_USER/NEO4J_PASSWORD are required")
	}

	provider := llm.NewGeminiProvider(cfg.GeminiAPIKey)
	registry := llm.NewRegistry(cfg.LLMMaxConcurrent)

	// R: parse every PDF in source-dir into per-document markdown, then
	// combine into one citation-indexed corpus.
	parser := policyingest.NewParser(cfg.LlamaCloudAPIKey)
	entries, err := os.ReadDir(*sourceDir)
	if err != nil {
		log.Fatal().Err(err).Str("source_dir", *sourceDir).Msg("read source directory")
	}

	var docs []policyingest.Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(*sourceDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("skip unreadable file")
			continue
		}
		doc, err := parser.ParsePDF(ctx, entry.Name(), data)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("skip file that failed to parse")
			continue
		}
		docs = append(docs, *doc)
		log.Info().Str("file", entry.Name()).Msg("parsed policy document")
	}
	if len(docs) == 0 {
		log.Fatal().Msg("no policy documents parsed, nothing to compile")
	}

	markdown, index := policyingest.Combine(*sourceDir, docs)
	corpus := &policydoc.Corpus{Markdown: markdown, Index: index}
	log.Info().Int("documents", len(docs)).Int("index_entries", len(index)).Msg("combined policy corpus")

	// S: design the ontology once against the full corpus.
	designer := ontology.NewDesigner(provider, registry, cfg.OntologyModel)
	schema, err := designer.Design(ctx, corpus.Markdown)
	if err != nil {
		log.Fatal().Err(err).Msg("ontology design failed")
	}
	if err := ontology.Validate(schema); err != nil {
		log.Fatal().Err(err).Msg("designed ontology is invalid")
	}

	// T -> U loop: extract triplets, critique, and re-extract against the
	// same schema up to maxRevisionRetries times if the critic asks for
	// revision.
	extractor := tripletextract.NewExtractor(provider, registry, cfg.ExtractionModel)
	critiqueEngine := critic.NewCritic(provider, registry, cfg.CriticModel)

	var result *tripletextract.Result
	var report *critic.Report
	for attempt := 0; attempt <= maxRevisionRetries; attempt++ {
		result, err = extractor.Extract(ctx, schema, corpus)
		if err != nil {
			log.Fatal().Err(err).Int("attempt", attempt).Msg("triplet extraction failed")
		}
		log.Info().Int("attempt", attempt).Int("entities", len(result.Entities)).
			Int("relationships", len(result.Relationships)).Int("warnings", len(result.Warnings)).
			Msg("triplet extraction complete")

		localIssues := critic.PerformLocalValidation(schema, result.Cypher)
		report, err = critiqueEngine.Validate(ctx, schema, result.Cypher)
		if err != nil {
			log.Fatal().Err(err).Int("attempt", attempt).Msg("critic review failed")
		}
		report.LocalIssues = localIssues

		if report.ValidationStatus == "approved" || attempt == maxRevisionRetries {
			break
		}
		log.Warn().Int("attempt", attempt).Str("summary", report.Summary).
			Msg("critic requested revision, re-running extraction against the same schema")
	}

	if report.ValidationStatus != "approved" {
		log.Warn().Str("summary", report.Summary).
			Msg("publishing graph after exhausting revision retries with an unapproved critic report")
	}

	// V: build the graph.
	graph, err := graphstore.Open(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("open graph store")
	}
	defer graph.Close(ctx)

	builder := graphbuilder.NewBuilder(graph)
	buildResult, err := builder.Build(ctx, schema, result.Cypher, *clearGraph)
	if err != nil {
		log.Fatal().Err(err).Msg("graph build failed")
	}
	log.Info().Interface("result", buildResult).Msg("graph build complete")

	// Publish the corpus so the online adjudicator can resolve citations;
	// local file here, uploaded to the same blob key caseflow-server reads
	// at startup (internal/blobstore.Store.Put with key "policy-corpus.json")
	// by whatever deploy step ships this compiler's output.
	raw, err := json.Marshal(corpus)
	if err != nil {
		log.Fatal().Err(err).Msg("marshal corpus")
	}
	if err := os.WriteFile(*corpusOut, raw, 0o644); err != nil {
		log.Fatal().Err(err).Msg("write corpus file")
	}
	log.Info().Str("path", *corpusOut).Msg("wrote policy corpus")
}
