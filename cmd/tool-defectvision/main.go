// Command tool-defectvision is the defect vision tool server (component
// N): a stdio-framed MCP tool process exposing analyze_defect_image,
// started by the case worker's toolclient.Client as a subprocess.
package main

import (
	"fmt"
	"os"

	"github.com/caseflow/caseflow/internal/defectvision"
	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/mcpserver"
)

func main() {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "tool-defectvision: GEMINI_API_KEY is required")
		os.Exit(1)
	}
	model := os.Getenv("DEFECT_VISION_MODEL")
	if model == "" {
		model = "gemini-2.0-flash"
	}

	provider := llm.NewGeminiProvider(apiKey)
	registry := llm.NewRegistry(1)
	analyzer := defectvision.NewAnalyzer(provider, registry, model)

	server := mcpserver.NewServer("caseflow-defectvision", "1.0.0", defectvision.NewToolSet(analyzer))
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "tool-defectvision: %v\n", err)
		os.Exit(1)
	}
}
