package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lifeline-lk/dispatch/internal/model"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ChatClient implements Oracle against an OpenAI-style chat completions API.
// Responses are decoded into typed schemas; anything that does not fit the
// schema is returned as an error so callers fall back deterministically.
type ChatClient struct {
	httpClient  *http.Client
	apiKey      string
	model       string
	baseURL     string
	temperature float64
}

// NewChatClient builds a client from config. The OPENAI_API_KEY environment
// variable overrides the configured key.
func NewChatClient(cfg model.OracleConfig) *ChatClient {
	apiKey := cfg.APIKey
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		apiKey = v
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ChatClient{
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		apiKey:      apiKey,
		model:       cfg.Model,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		temperature: cfg.Temperature,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *ChatClient) complete(ctx context.Context, system, user string, maxTokens int) ([]byte, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: c.temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return extractJSON(cr.Choices[0].Message.Content)
}

// extractJSON strips markdown code fences if the model wrapped its answer in
// one, then requires the remainder to be a single JSON object.
func extractJSON(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		return nil, fmt.Errorf("oracle response is not a JSON object: %s", truncate(s, 120))
	}
	return []byte(s), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type rankWire struct {
	PrioritizedOrder []struct {
		ID           string  `json:"id"`
		Category     string  `json:"category"`
		Priority     int     `json:"priority"`
		UrgencyScore float64 `json:"urgency_score"`
		Reasoning    string  `json:"reasoning"`
	} `json:"prioritized_order"`
	OverallReasoning string `json:"overall_reasoning"`
}

// Rank asks the oracle to order a batch by urgency.
func (c *ChatClient) Rank(ctx context.Context, requests []model.EmergencyRequest, userMessage string) (RankDecision, error) {
	var sb strings.Builder
	for i, req := range requests {
		fmt.Fprintf(&sb, "%d. id=%s category=%s severity=%s confidence=%.2f\n",
			i+1, req.ID, req.Category, req.Severity, req.Confidence)
	}

	user := fmt.Sprintf(`USER MESSAGE: %q

DETECTED EMERGENCIES:
%s
Rank these emergencies by urgency. Consider immediate life threat, time
sensitivity (fire spreads, medical has a golden hour), and whether one
emergency caused another (handle the cause first).

Respond with JSON only:
{"prioritized_order":[{"id":"...","category":"police|fire|medical","priority":1,"urgency_score":0.0,"reasoning":"..."}],"overall_reasoning":"..."}`,
		userMessage, sb.String())

	raw, err := c.complete(ctx, "You are an emergency coordination agent. Prioritize emergencies to maximize lives saved.", user, 300)
	if err != nil {
		return RankDecision{}, err
	}

	var wire rankWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return RankDecision{}, fmt.Errorf("decode rank decision: %w", err)
	}
	if len(wire.PrioritizedOrder) == 0 {
		return RankDecision{}, fmt.Errorf("rank decision lists no requests")
	}

	byID := make(map[string]model.EmergencyRequest, len(requests))
	for _, req := range requests {
		byID[req.ID] = req
	}

	decision := RankDecision{Rationale: wire.OverallReasoning}
	seen := make(map[string]bool, len(requests))
	for _, item := range wire.PrioritizedOrder {
		req, ok := byID[item.ID]
		if !ok || seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		decision.Ranked = append(decision.Ranked, RankedRequest{
			Request:      req,
			Priority:     len(decision.Ranked) + 1,
			UrgencyScore: item.UrgencyScore,
			Rationale:    item.Reasoning,
		})
	}
	// Every request must appear exactly once or the ranking is unusable.
	if len(decision.Ranked) != len(requests) {
		return RankDecision{}, fmt.Errorf("rank decision covers %d of %d requests", len(decision.Ranked), len(requests))
	}
	return decision, nil
}

type strategyWire struct {
	Strategy  string `json:"strategy"`
	Reasoning string `json:"reasoning"`
}

// ChooseStrategy asks the oracle for sequential vs parallel dispatch.
func (c *ChatClient) ChooseStrategy(ctx context.Context, ranked []RankedRequest, userMessage string) (StrategyDecision, error) {
	parts := make([]string, len(ranked))
	for i, r := range ranked {
		parts[i] = fmt.Sprintf("%s (priority %d)", r.Request.Category, r.Priority)
	}

	user := fmt.Sprintf(`USER MESSAGE: %q
PRIORITIZED EMERGENCIES: %s

Choose the calling strategy:
- "sequential": call one after another with a short delay. Use when emergencies
  are causally linked (fire caused the injuries) or calling all at once could
  overload responders.
- "parallel": place every call immediately. Use for independent, equally
  urgent emergencies.

Respond with JSON only:
{"strategy":"sequential|parallel","reasoning":"..."}`,
		userMessage, strings.Join(parts, ", "))

	raw, err := c.complete(ctx, "You are an emergency coordination agent. Choose the calling strategy.", user, 200)
	if err != nil {
		return StrategyDecision{}, err
	}

	var wire strategyWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return StrategyDecision{}, fmt.Errorf("decode strategy decision: %w", err)
	}
	switch model.Strategy(wire.Strategy) {
	case model.StrategySequential, model.StrategyParallel:
	default:
		return StrategyDecision{}, fmt.Errorf("strategy decision %q is not sequential or parallel", wire.Strategy)
	}
	return StrategyDecision{Strategy: model.Strategy(wire.Strategy), Rationale: wire.Reasoning}, nil
}

type retryWire struct {
	ShouldRetry        *bool   `json:"should_retry"`
	TryNextContact     *bool   `json:"try_next_contact"`
	Reasoning          string  `json:"reasoning"`
	SuccessProbability float64 `json:"success_probability"`
}

// AnalyzeFailure asks the oracle whether and how to retry a failed attempt.
func (c *ChatClient) AnalyzeFailure(ctx context.Context, fc FailureContext) (RetryDecision, error) {
	remaining := "None (last contact)"
	if len(fc.RemainingContacts) > 0 {
		names := make([]string, len(fc.RemainingContacts))
		for i, ct := range fc.RemainingContacts {
			names[i] = fmt.Sprintf("%s (%s)", ct.Name, ct.Description)
		}
		remaining = strings.Join(names, "; ")
	}

	user := fmt.Sprintf(`SITUATION:
- Emergency category: %s
- User message: %q
- Attempt: %d/%d
- Failed contact: %s (%s)
- Failure status: %s (failed=technical error, busy=line engaged, no_answer=rang out, canceled=call canceled)
- Remaining backup contacts: %s

Decide the recovery strategy. should_retry=true continues recovery with the
same OR next contact; false gives up entirely. try_next_contact=true skips to
the next backup (persistent failure), false retries the same contact
(likely transient).

Respond with JSON only:
{"should_retry":true,"try_next_contact":false,"reasoning":"...","success_probability":0.0}`,
		fc.Category, fc.UserMessage, fc.Attempt, fc.MaxAttempts,
		fc.CurrentContact.Name, fc.CurrentContact.Description, fc.Status, remaining)

	raw, err := c.complete(ctx, "You are an emergency call recovery agent. Make decisions that ensure emergency services are notified.", user, 200)
	if err != nil {
		return RetryDecision{}, err
	}

	var wire retryWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return RetryDecision{}, fmt.Errorf("decode retry decision: %w", err)
	}
	if wire.ShouldRetry == nil || wire.TryNextContact == nil {
		return RetryDecision{}, fmt.Errorf("retry decision missing should_retry or try_next_contact")
	}
	return RetryDecision{
		ShouldRetry:        *wire.ShouldRetry,
		AdvanceContact:     *wire.TryNextContact,
		Rationale:          wire.Reasoning,
		SuccessProbability: wire.SuccessProbability,
	}, nil
}
