package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
)

// ObjectStore persists binary artifacts and returns their public URL.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// MultipartObjectStore uploads artifacts as multipart form data to an HTTP
// storage service and reads the assigned URL from the JSON response.
type MultipartObjectStore struct {
	url    string
	apiKey string
	client *http.Client
}

// NewMultipartObjectStore creates a store client for the given upload endpoint.
func NewMultipartObjectStore(url, apiKey string, poolSize int) *MultipartObjectStore {
	return &MultipartObjectStore{
		url:    url,
		apiKey: apiKey,
		client: NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

func (s *MultipartObjectStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	body, formType, err := buildMultipartFile(key, data)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url+"/v1/objects", body)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", formType)
	req.Header.Set("X-Object-Content-Type", contentType)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("storage", "http").Inc()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("storage", "status").Inc()
		return "", fmt.Errorf("upload %s status %d: %s", key, resp.StatusCode, errBody)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("upload %s: response carries no url", key)
	}
	return result.URL, nil
}

// Download fetches an artifact back by its URL.
func (s *MultipartObjectStore) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("storage", "http").Inc()
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("storage", "status").Inc()
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func buildMultipartFile(name string, data []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}
