// Command tool-dbverify is the DB verification tool server exposing the
// §4.P tool ladder (find_order_by_invoice_number, verify_from_email_matches_customer,
// llm_find_orders, select_order_id, ...) over the orders database, started
// by the case worker's verifyagent.Agent as a subprocess per the tool
// protocol in §6.
package main

import (
	"fmt"
	"os"

	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/mcpserver"
	"github.com/caseflow/caseflow/internal/ordersstore"
	"github.com/caseflow/caseflow/internal/verifyagent"
)

func main() {
	dbURL := os.Getenv("ORDERS_DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "tool-dbverify: ORDERS_DATABASE_URL is required")
		os.Exit(1)
	}
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "tool-dbverify: GEMINI_API_KEY is required")
		os.Exit(1)
	}
	model := os.Getenv("EXTRACTION_MODEL")
	if model == "" {
		model = "gemini-2.0-flash"
	}

	store, err := ordersstore.Open(dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tool-dbverify: open orders store: %v\n", err)
		os.Exit(1)
	}

	provider := llm.NewGeminiProvider(apiKey)
	registry := llm.NewRegistry(1)
	selector := verifyagent.NewSelector(provider, registry, model)

	server := mcpserver.NewServer("caseflow-dbverify", "1.0.0", verifyagent.NewToolSet(store, selector))
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "tool-dbverify: %v\n", err)
		os.Exit(1)
	}
}
