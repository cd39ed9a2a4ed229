// Package policyingest is the offline policy ingestion stage (component
// R): it parses each policy PDF into hierarchical Markdown and stitches
// every page into one combined_policy.md with page markers plus a
// combined_policy_index.json, per §4.R. No LlamaParse Go client appears
// anywhere in the example pack (see DESIGN.md), so this follows the
// teacher's own style for third-party HTTP APIs — a hand-rolled
// net/http client against LlamaCloud's documented REST API — the same
// pattern blobstore and the Gmail/Cloud Tasks clients use. Grounded on
// original_source/policy_compiler_agents/ingestion.py's parse_documents.
package policyingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/caseflow/caseflow/internal/policydoc"
)

const parsingInstruction = `This is a retail return policy document. Output hierarchical Markdown.
Identify and preserve section numbers. Use # for main titles, ## for section
headers, ### for subsections. Convert all tables to Markdown tables. Nest
exceptions under their parent category. Preserve bullet points. Bold key
terms like "refund window", "return period", "non-returnable". Exclude
page footers, navigation, ads, and copyright notices. Output only the
document content, no summary.`

const llamaCloudUploadURL = "https://api.cloud.llamaindex.ai/api/v1/parsing/upload"
const llamaCloudResultURLFmt = "https://api.cloud.llamaindex.ai/api/v1/parsing/job/%s/result/markdown"
const llamaCloudStatusURLFmt = "https://api.cloud.llamaindex.ai/api/v1/parsing/job/%s"

// Parser drives LlamaCloud's async parse-job API: upload, poll until
// complete, fetch the per-page markdown result.
type Parser struct {
	apiKey string
	client *http.Client
}

func NewParser(apiKey string) *Parser {
	return &Parser{apiKey: apiKey, client: &http.Client{Timeout: 2 * time.Minute}}
}

// Document is one source PDF's parsed pages.
type Document struct {
	Filename string
	Pages    []string
}

// ParsePDF uploads one PDF and blocks until LlamaCloud finishes parsing
// it, returning its pages as separate markdown strings.
func (p *Parser) ParsePDF(ctx context.Context, filename string, data []byte) (*Document, error) {
	jobID, err := p.upload(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("policyingest: upload %s: %w", filename, err)
	}
	if err := p.pollUntilComplete(ctx, jobID); err != nil {
		return nil, fmt.Errorf("policyingest: parse %s: %w", filename, err)
	}
	pages, err := p.fetchResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("policyingest: fetch result for %s: %w", filename, err)
	}
	return &Document{Filename: filename, Pages: pages}, nil
}

func (p *Parser) upload(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.WriteField("system_prompt", parsingInstruction); err != nil {
		return "", err
	}
	if err := writer.WriteField("result_type", "markdown"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, llamaCloudUploadURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(respBody))
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

func (p *Parser) pollUntilComplete(ctx context.Context, jobID string) error {
	url := fmt.Sprintf(llamaCloudStatusURLFmt, jobID)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		var status struct {
			Status string `json:"status"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if decodeErr != nil {
			return decodeErr
		}

		switch status.Status {
		case "SUCCESS":
			return nil
		case "ERROR", "CANCELLED":
			return fmt.Errorf("job %s ended with status %s", jobID, status.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Parser) fetchResult(ctx context.Context, jobID string) ([]string, error) {
	url := fmt.Sprintf(llamaCloudResultURLFmt, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("result fetch returned status %d: %s", resp.StatusCode, string(body))
	}
	var parsed struct {
		Pages []struct {
			Markdown string `json:"markdown"`
		} `json:"pages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	pages := make([]string, len(parsed.Pages))
	for i, pg := range parsed.Pages {
		pages[i] = pg.Markdown
	}
	return pages, nil
}

// Combine stitches every document's pages into the combined_policy.md
// format of §3.5: a header block followed by each page prefixed with a
// policydoc.PageMarker, and returns the matching index.
func Combine(sourceDir string, docs []Document) (markdown string, index []policydoc.IndexEntry) {
	var lines []string
	lines = append(lines,
		"# Combined Policy Documents",
		fmt.Sprintf("**Generated**: %s", time.Now().UTC().Format("2006-01-02 15:04:05")),
		fmt.Sprintf("**Source Directory**: %s", sourceDir),
		fmt.Sprintf("**Total Documents**: %d", len(docs)),
		"",
		"---",
		"",
	)
	currentLine := len(lines) + 1

	for _, doc := range docs {
		for pageNum, content := range doc.Pages {
			page := pageNum + 1
			pageLines := strings.Split(content, "\n")
			start := currentLine
			end := currentLine + len(pageLines) - 1

			lines = append(lines, policydoc.PageMarker(doc.Filename, page, start, end))
			currentLine++
			lines = append(lines, pageLines...)
			currentLine += len(pageLines)
			lines = append(lines, "")
			currentLine++

			index = append(index, policydoc.IndexEntry{
				Filename:  doc.Filename,
				Page:      page,
				StartLine: start,
				EndLine:   end,
			})
		}
	}
	return strings.Join(lines, "\n"), index
}
