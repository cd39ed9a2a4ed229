// Package docparser is the document parser tool (component M): PDF bytes
// in, UTF-8 text out. Mirrors original_source/mcp_doc_server/doc_server.py's
// parse_invoice, which reads a PDF with pypdf and concatenates per-page
// text; here ledongthuc/pdf plays the role of pypdf.
package docparser

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/caseflow/caseflow/internal/mcpserver"
)

// ParsePDF extracts and concatenates the text of every page in a PDF.
// Unlike the Python original (which writes to an artifacts directory and
// returns a file path), this returns the text directly — the case worker
// holds everything in memory per §3.6 invariant 6 (attachment bytes never
// touch disk outside the blob store).
func ParsePDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("docparser: open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Mirrors the original's per-page best-effort behavior: a
			// single unreadable page does not fail the whole document.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type parseInvoiceArgs struct {
	Filename  string `json:"filename"`
	PDFBase64 string `json:"pdf_base64"`
}

// NewToolSet builds the tool catalog this server exposes over stdio:
// a single "parse_invoice" tool, named after the original's.
func NewToolSet() *mcpserver.ToolSet {
	ts := mcpserver.NewToolSet()
	ts.Register(mcpserver.Tool{
		Name:        "parse_invoice",
		Description: "Parse a PDF invoice (base64-encoded bytes) and return its extracted text.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"filename":   map[string]interface{}{"type": "string"},
				"pdf_base64": map[string]interface{}{"type": "string"},
			},
			"required": []string{"pdf_base64"},
		},
	}, handleParseInvoice)
	return ts
}

func handleParseInvoice(raw json.RawMessage) (interface{}, error) {
	var args parseInvoiceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(args.PDFBase64)
	if err != nil {
		return nil, fmt.Errorf("pdf_base64 is not valid base64: %w", err)
	}
	text, err := ParsePDF(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing PDF %s: %w", args.Filename, err)
	}
	return map[string]string{"filename": args.Filename, "text": text}, nil
}
