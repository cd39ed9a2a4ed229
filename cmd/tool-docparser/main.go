// Command tool-docparser is the document-parser tool server (component
// M): a stdio-framed MCP tool process exposing parse_invoice, started by
// the case worker's toolclient.Client as a subprocess per §6's tool
// protocol.
package main

import (
	"fmt"
	"os"

	"github.com/caseflow/caseflow/internal/docparser"
	"github.com/caseflow/caseflow/internal/mcpserver"
)

func main() {
	server := mcpserver.NewServer("caseflow-docparser", "1.0.0", docparser.NewToolSet())
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "tool-docparser: %v\n", err)
		os.Exit(1)
	}
}
