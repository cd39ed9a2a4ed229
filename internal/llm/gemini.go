package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider implements Provider against the Gemini generateContent API.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: geminiBaseURL,
		client: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (p *GeminiProvider) Name() string { return "google" }

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage     `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiGenConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	Tools             []geminiTool             `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig         `json:"generationConfig,omitempty"`
	SystemInstruction *geminiSystemInstruction `json:"systemInstruction,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func roleToGemini(role string) string {
	if role == "assistant" || role == "model" {
		return "model"
	}
	return "user"
}

func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	greq := geminiRequest{}
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		parts := []geminiPart{{Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, geminiPart{
				InlineData: &geminiInlineData{
					MimeType: img.MimeType,
					Data:     base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
		greq.Contents = append(greq.Contents, geminiContent{
			Role:  roleToGemini(m.Role),
			Parts: parts,
		})
	}
	if req.System != "" {
		greq.SystemInstruction = &geminiSystemInstruction{Parts: []geminiPart{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		greq.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if req.Temperature != nil || req.MaxOutputTokens != nil || req.ResponseSchema != nil {
		greq.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		}
		if req.ResponseSchema != nil {
			greq.GenerationConfig.ResponseMimeType = "application/json"
			greq.GenerationConfig.ResponseSchema = req.ResponseSchema
		}
	}

	body, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	model := req.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ErrRateLimited{Msg: string(raw)}
	}
	var gresp geminiResponse
	if err := json.Unmarshal(raw, &gresp); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w: %s", err, string(raw))
	}
	if gresp.Error != nil {
		if gresp.Error.Status == "RESOURCE_EXHAUSTED" || resp.StatusCode == 429 {
			return nil, &ErrRateLimited{Msg: gresp.Error.Message}
		}
		return nil, fmt.Errorf("gemini error %d: %s", gresp.Error.Code, gresp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(raw))
	}
	if len(gresp.Candidates) == 0 {
		return &Response{FinishReason: "empty"}, nil
	}

	cand := gresp.Candidates[0]
	out := &Response{
		FinishReason: cand.FinishReason,
		Usage: Usage{
			PromptTokens:     gresp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gresp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gresp.UsageMetadata.TotalTokenCount,
		},
	}
	for _, part := range cand.Content.Parts {
		if part.FunctionCall != nil {
			out.ToolCall = &ToolCall{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args}
			return out, nil
		}
		out.Text += part.Text
	}
	return out, nil
}

func (p *GeminiProvider) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/models?key=%s", p.baseURL, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gemini unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
