package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/decision"
	"crypto-signal-engine/internal/trade"
)

// LLMValidator reviews a trade thesis through a chat-completion API and
// parses a structured verdict. Errors are left to the gate, which treats a
// failed consultation as a non-veto.
type LLMValidator struct {
	http  *resty.Client
	model string
	log   zerolog.Logger
}

const validatorSystemPrompt = `You are a disciplined crypto futures risk reviewer.
Given a trade thesis, respond with ONLY a JSON object:
{"approved": bool, "direction": "LONG"|"SHORT", "confidence": 0.0-1.0, "reasoning": "one sentence"}
Approve only when the thesis is internally consistent with current momentum.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type verdictPayload struct {
	Approved   bool    `json:"approved"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// NewLLMValidator creates a validator against an OpenAI-compatible endpoint.
func NewLLMValidator(cfg config.ValidatorConfig, log zerolog.Logger) *LLMValidator {
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetAuthToken(cfg.APIKey)

	return &LLMValidator{
		http:  client,
		model: cfg.Model,
		log:   log.With().Str("component", "validator").Logger(),
	}
}

// Validate submits the thesis and parses the model's JSON verdict.
func (v *LLMValidator) Validate(ctx context.Context, req decision.ThesisRequest) (*decision.ThesisResult, error) {
	prompt := fmt.Sprintf(
		"Instrument: %s\nProposed direction: %s\nConfluence confidence: %d/100\nSetup: %s",
		req.Instrument, req.Direction, req.Confidence, req.Description,
	)

	var out chatResponse
	resp, err := v.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: v.model,
			Messages: []chatMessage{
				{Role: "system", Content: validatorSystemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature: 0.2,
			MaxTokens:   200,
		}).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("validator request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("validator returned %s", resp.Status())
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("validator returned no choices")
	}

	verdict, err := parseVerdict(out.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	v.log.Debug().
		Str("instrument", req.Instrument).
		Bool("approved", verdict.Approved).
		Str("direction", verdict.Direction).
		Msg("thesis reviewed")

	return &decision.ThesisResult{
		Approved:   verdict.Approved,
		Direction:  parseDirection(verdict.Direction),
		Confidence: verdict.Confidence,
		Reasoning:  verdict.Reasoning,
	}, nil
}

// parseVerdict extracts the JSON object from the model reply, tolerating
// markdown fences around it.
func parseVerdict(content string) (*verdictPayload, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("validator reply has no JSON object")
	}

	var verdict verdictPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("validator reply not parseable: %w", err)
	}
	return &verdict, nil
}

func parseDirection(s string) trade.Direction {
	if strings.EqualFold(s, string(trade.Short)) {
		return trade.Short
	}
	return trade.Long
}
