package mailingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const gmailAPIBase = "https://gmail.googleapis.com/gmail/v1/users/me"

func (c *HTTPGmailClient) do(ctx context.Context, method, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	tok, err := c.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("gmail: obtain token: %w", err)
	}
	tok.SetAuthHeader(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrMessageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gmail: %s returned status %d: %s", url, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPGmailClient) GetProfile(ctx context.Context) (uint64, error) {
	var out struct {
		HistoryID uint64 `json:"historyId,string"`
	}
	if err := c.do(ctx, http.MethodGet, gmailAPIBase+"/profile", &out); err != nil {
		return 0, err
	}
	return out.HistoryID, nil
}

func (c *HTTPGmailClient) ListHistory(ctx context.Context, startHistoryID uint64) ([]string, uint64, error) {
	url := fmt.Sprintf("%s/history?startHistoryId=%d&historyTypes=messageAdded", gmailAPIBase, startHistoryID)
	var out struct {
		History []struct {
			ID              string `json:"id,string"`
			MessagesAdded   []struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			} `json:"messagesAdded"`
		} `json:"history"`
		HistoryID uint64 `json:"historyId,string"`
	}
	if err := c.do(ctx, http.MethodGet, url, &out); err != nil {
		return nil, startHistoryID, err
	}

	var ids []string
	maxID := startHistoryID
	for _, h := range out.History {
		for _, m := range h.MessagesAdded {
			ids = append(ids, m.Message.ID)
		}
	}
	if out.HistoryID > maxID {
		maxID = out.HistoryID
	}
	return ids, maxID, nil
}

func (c *HTTPGmailClient) GetMessage(ctx context.Context, id string) (*RawMessage, error) {
	url := fmt.Sprintf("%s/messages/%s?format=full", gmailAPIBase, id)
	var out struct {
		ID           string `json:"id"`
		ThreadID     string `json:"threadId"`
		HistoryID    uint64 `json:"historyId,string"`
		InternalDate string `json:"internalDate"`
		Payload      struct {
			MimeType string `json:"mimeType"`
			Filename string `json:"filename"`
			PartID   string `json:"partId"`
			Headers  []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
			Body struct {
				Data string `json:"data"`
			} `json:"body"`
			Parts []json.RawMessage `json:"parts"`
		} `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, url, &out); err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(out.Payload.Headers))
	for _, h := range out.Payload.Headers {
		headers[h.Name] = h.Value
	}

	var internalMs int64
	fmt.Sscanf(out.InternalDate, "%d", &internalMs)

	return &RawMessage{
		ID:         out.ID,
		ThreadID:   out.ThreadID,
		HistoryID:  out.HistoryID,
		InternalMs: internalMs,
		Payload: MIMEPart{
			MimeType: out.Payload.MimeType,
			Filename: out.Payload.Filename,
			PartID:   out.Payload.PartID,
			Headers:  headers,
			Body:     out.Payload.Body.Data,
			Parts:    decodeParts(out.Payload.Parts),
		},
	}, nil
}

func decodeParts(raw []json.RawMessage) []MIMEPart {
	var parts []MIMEPart
	for _, r := range raw {
		var p struct {
			MimeType string `json:"mimeType"`
			Filename string `json:"filename"`
			PartID   string `json:"partId"`
			Headers  []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
			Body struct {
				Data         string `json:"data"`
				AttachmentID string `json:"attachmentId"`
			} `json:"body"`
			Parts []json.RawMessage `json:"parts"`
		}
		if err := json.Unmarshal(r, &p); err != nil {
			continue
		}
		headers := make(map[string]string, len(p.Headers))
		for _, h := range p.Headers {
			headers[h.Name] = h.Value
		}
		parts = append(parts, MIMEPart{
			MimeType:     p.MimeType,
			Filename:     p.Filename,
			PartID:       p.PartID,
			Headers:      headers,
			Body:         p.Body.Data,
			AttachmentID: p.Body.AttachmentID,
			Parts:        decodeParts(p.Parts),
		})
	}
	return parts
}

func (c *HTTPGmailClient) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	url := fmt.Sprintf("%s/messages/%s/attachments/%s", gmailAPIBase, messageID, attachmentID)
	var out struct {
		Data string `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, url, &out); err != nil {
		return nil, err
	}
	return decodeBase64URLBytes(out.Data)
}
