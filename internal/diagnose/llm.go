// internal/diagnose/llm.go
package diagnose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/protocol"
)

// ErrScorerUnavailable indicates every configured scoring endpoint failed.
var ErrScorerUnavailable = errors.New("scorer unavailable")

// Scorer produces a free-form diagnosis for windows the rule pass cannot
// judge confidently.
type Scorer interface {
	Score(ctx context.Context, req protocol.ScoreRequest) (protocol.ScoreResult, error)
}

// LLMScorer calls OpenAI-compatible chat endpoints, trying each configured
// endpoint in order until one succeeds.
type LLMScorer struct {
	endpoints []config.ScorerEndpoint
	client    *http.Client
}

// NewLLMScorer creates a scorer over the configured endpoint chain.
func NewLLMScorer(endpoints []config.ScorerEndpoint) *LLMScorer {
	return &LLMScorer{
		endpoints: endpoints,
		// Per-call deadlines come from the caller's context.
		client: &http.Client{Timeout: 0},
	}
}

const scorerSystemPrompt = `You are a network diagnostician for a home router.
Given recent log lines and window metrics, respond with only a JSON object:
{"summary": "...", "issues": [{"severity": "critical|warning|info", "type": "...", "description": "...", "recommendation": "...", "device_key": "..."}], "confidence": 0.0}
No prose outside the JSON.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Score tries each endpoint in order. It returns ErrScorerUnavailable only
// after the whole chain is exhausted.
func (s *LLMScorer) Score(ctx context.Context, req protocol.ScoreRequest) (protocol.ScoreResult, error) {
	if len(s.endpoints) == 0 {
		return protocol.ScoreResult{}, fmt.Errorf("no endpoints configured: %w", ErrScorerUnavailable)
	}

	var lastErr error
	for _, ep := range s.endpoints {
		result, err := s.scoreOne(ctx, ep, req)
		if err == nil {
			result.Model = ep.Model
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// Deadline spent; trying the next endpoint cannot help.
			return protocol.ScoreResult{}, ctx.Err()
		}
		log.Printf("scorer endpoint %s failed: %v", ep.URL, err)
	}
	return protocol.ScoreResult{}, fmt.Errorf("%w: %v", ErrScorerUnavailable, lastErr)
}

func (s *LLMScorer) scoreOne(ctx context.Context, ep config.ScorerEndpoint, req protocol.ScoreRequest) (protocol.ScoreResult, error) {
	user, err := json.Marshal(req)
	if err != nil {
		return protocol.ScoreResult{}, err
	}

	body, err := json.Marshal(chatRequest{
		Model: ep.Model,
		Messages: []chatMessage{
			{Role: "system", Content: scorerSystemPrompt},
			{Role: "user", Content: string(user)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return protocol.ScoreResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return protocol.ScoreResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return protocol.ScoreResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.ScoreResult{}, fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return protocol.ScoreResult{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return protocol.ScoreResult{}, errors.New("empty choices")
	}

	return parseScoreResult(cr.Choices[0].Message.Content)
}

// parseScoreResult extracts the JSON object from the model's reply, tolerating
// markdown fences around it.
func parseScoreResult(content string) (protocol.ScoreResult, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i >= 0 {
		if j := strings.LastIndex(content, "}"); j > i {
			content = content[i : j+1]
		}
	}

	var result protocol.ScoreResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return protocol.ScoreResult{}, fmt.Errorf("parsing model output: %w", err)
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	for i := range result.Issues {
		if result.Issues[i].Severity == "" {
			result.Issues[i].Severity = protocol.SeverityInfo
		}
	}
	return result, nil
}

// IsUnavailable reports whether err means the scorer chain could not be
// reached, as opposed to a malformed reply.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrScorerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
