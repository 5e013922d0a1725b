package fusion

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/sashabaranov/go-openai"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// Refiner calls the external LLM to adjust a candidate decision, grounded
// on the teacher pack's own OpenAI wrapper
// (jinterlante1206-AleutianLocal/services/llm/openai_llm.go) and on
// pkbatx-alert_framework's strict-JSON-parse discipline for model output.
type Refiner struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewRefiner builds a Refiner. baseURL is optional, for OpenAI-compatible
// gateways.
func NewRefiner(apiKey, baseURL, model string, logger *slog.Logger) *Refiner {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Refiner{client: openai.NewClientWithConfig(cfg), model: model, logger: logger}
}

// llmRequest is the compact JSON payload spec §4.4 stage 5 describes
// sending to the model.
type llmRequest struct {
	RegionCode       string         `json:"region_code"`
	RegionName       string         `json:"region_name"`
	MergedObservation map[string]any `json:"merged_observation"`
	CandidateLevel   domain.Level   `json:"candidate_level"`
	AdjustedScore    float64        `json:"adjusted_score"`
	PreviousLevel    domain.Level   `json:"previous_level,omitempty"`
	PreviousScore    float64        `json:"previous_score,omitempty"`
}

// llmResponse is the strict shape expected back; any other shape is an
// llm_parse_failed note, not a crash.
type llmResponse struct {
	LevelOverride   domain.Level `json:"level_override,omitempty"`
	ReasonAppend    string       `json:"reason_append,omitempty"`
	ConfidenceDelta float64      `json:"confidence_delta"`
}

// refinementOutcome carries what the LLM stage decided for one region,
// consumed by the decision stage.
type refinementOutcome struct {
	levelOverride   domain.Level
	reasonAppend    string
	confidenceDelta float64
	note            string // llm_parse_failed / llm_override_rejected, when applicable
	applied         bool
}

// Refine calls the model for one region and validates its response against
// the one-step clamp and the CJK requirement on reason_append (spec §4.4
// stage 5, §13).
func (r *Refiner) Refine(ctx context.Context, req llmRequest) refinementOutcome {
	payload, err := json.Marshal(req)
	if err != nil {
		return refinementOutcome{note: "llm_parse_failed"}
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: refinerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		r.logger.Warn("llm refinement call failed", "region_code", req.RegionCode, "error", err)
		return refinementOutcome{note: "llm_parse_failed"}
	}
	if len(resp.Choices) == 0 {
		return refinementOutcome{note: "llm_parse_failed"}
	}

	var parsed llmResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		r.logger.Warn("llm response did not parse as the expected shape", "region_code", req.RegionCode, "error", err)
		return refinementOutcome{note: "llm_parse_failed"}
	}

	out := refinementOutcome{applied: true}

	if parsed.LevelOverride != "" {
		if stepSize := abs(parsed.LevelOverride.Rank() - req.CandidateLevel.Rank()); stepSize <= 1 && parsed.LevelOverride.Rank() >= 0 {
			out.levelOverride = parsed.LevelOverride
		} else {
			out.note = "llm_override_rejected"
		}
	}

	if hasCJK(parsed.ReasonAppend) {
		out.reasonAppend = parsed.ReasonAppend
	}

	out.confidenceDelta = clampRange(parsed.ConfidenceDelta, -0.2, 0.2)
	return out
}

const refinerSystemPrompt = `You refine a candidate geological-hazard warning level for one administrative region using the merged sensor observation and the previous warning snapshot provided as JSON. Respond with a JSON object containing only: level_override (one of green, yellow, orange, red, or omitted if you agree with the candidate level), reason_append (a short explanation in Chinese, or omitted), confidence_delta (a number between -0.2 and 0.2). Never move the level by more than one step from the candidate.`

// hasCJK reports whether s contains at least one CJK Unified Ideographs
// rune, the gate spec §4.4 stage 5 puts on reason_append (ported in spirit
// from the original's _has_cjk, spec §13).
func hasCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}

func clampRange(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// selectForRefinement picks at most maxRegions candidates per spec §4.4
// stage 5's OR-combined criteria, preferring the largest score movement
// when more candidates qualify than the budget allows.
func selectForRefinement(candidates []refinementCandidate, maxRegions int, changeThreshold, confidenceThreshold float64, forceLLM bool) []refinementCandidate {
	var selected []refinementCandidate
	for _, c := range candidates {
		delta := c.adjustedScore - c.previousScore
		if forceLLM || absFloat(delta) > changeThreshold || c.baseConfidence < confidenceThreshold {
			selected = append(selected, c)
		}
	}

	sort.Slice(selected, func(i, j int) bool {
		return absFloat(selected[i].adjustedScore-selected[i].previousScore) > absFloat(selected[j].adjustedScore-selected[j].previousScore)
	})
	if len(selected) > maxRegions {
		selected = selected[:maxRegions]
	}
	return selected
}

type refinementCandidate struct {
	regionCode     string
	adjustedScore  float64
	previousScore  float64
	baseConfidence float64
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
