package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/prompts"
)

// SummaryResult holds the summarization output.
type SummaryResult struct {
	Text       string  `json:"text"`
	TokensUsed int64   `json:"tokens_used"`
	LatencyMs  float64 `json:"latency_ms"`
}

// Summarizer condenses a conversation transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, language, typeHint string) (*SummaryResult, error)
}

// ErrEmptyTranscript is returned when there is nothing to summarize. Callers
// treat it as a terminal stage failure, not a retryable one.
var ErrEmptyTranscript = errors.New("transcript is empty")

// OpenAISummarizer summarizes transcripts through the chat completions API.
type OpenAISummarizer struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAISummarizer creates a summarizer. baseURL may be empty for the
// default endpoint; model falls back to gpt-4o-mini.
func NewOpenAISummarizer(apiKey, baseURL, model string, maxTokens int64) *OpenAISummarizer {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &OpenAISummarizer{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, transcript, language, typeHint string) (*SummaryResult, error) {
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}

	start := time.Now()
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompts.ForSummary(language, typeHint)),
			openai.UserMessage(transcript),
		},
		MaxTokens:   openai.Int(s.maxTokens),
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		metrics.Errors.WithLabelValues("summary", "api").Inc()
		return nil, fmt.Errorf("summarize transcript: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.Errors.WithLabelValues("summary", "empty").Inc()
		return nil, errors.New("summarize transcript: no choices returned")
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("summary").Observe(latency.Seconds())

	return &SummaryResult{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		LatencyMs:  float64(latency.Milliseconds()),
	}, nil
}
