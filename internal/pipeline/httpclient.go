package pipeline

import (
	"net/http"
	"time"
)

// NewPooledHTTPClient creates an http.Client with a tuned, pooled transport.
// Each collaborator service gets its own client so one slow backend cannot
// starve another's connection pool.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = 10
	}
	transport := &http.Transport{
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
