package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
)

// DocumentRequest describes one conversation document to render.
type DocumentRequest struct {
	ConversationID string       `json:"conversation_id"`
	Title          string       `json:"title"`
	Summary        string       `json:"summary"`
	Transcript     string       `json:"transcript"`
	AudioURL       string       `json:"audio_url,omitempty"`
	Annotations    []Annotation `json:"annotations,omitempty"`
}

// DocumentRenderer turns a conversation into a shareable document.
type DocumentRenderer interface {
	Render(ctx context.Context, req DocumentRequest) (string, error)
}

// HTTPDocumentRenderer posts render requests to a document service and
// returns the rendered document's URL.
type HTTPDocumentRenderer struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPDocumentRenderer(url, apiKey string, poolSize int) *HTTPDocumentRenderer {
	return &HTTPDocumentRenderer{
		url:    url,
		apiKey: apiKey,
		client: NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

func (r *HTTPDocumentRenderer) Render(ctx context.Context, docReq DocumentRequest) (string, error) {
	body, err := json.Marshal(docReq)
	if err != nil {
		return "", fmt.Errorf("marshal document request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.url+"/v1/documents", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create document request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("document", "http").Inc()
		return "", fmt.Errorf("render document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("document", "status").Inc()
		return "", fmt.Errorf("render document status %d: %s", resp.StatusCode, errBody)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode document response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("render document: response carries no url")
	}
	return result.URL, nil
}
