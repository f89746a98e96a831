package classify

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// Normalization defaults.
const (
	DefaultConfidence = 0.5
	ReasoningFallback = "No reasoning provided."
	codeFence         = "```"
)

// StripFence removes a markdown code fence around text. The opening fence
// line, which may carry a language tag, is dropped along with everything from
// the last closing fence onward.
func StripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, codeFence) {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return ""
	}
	s = s[nl+1:]
	if i := strings.LastIndex(s, codeFence); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Parse strips fences, decodes JSON and normalizes the result. The returned
// classification is always valid; err reports why the output could not be
// decoded, in which case the result is the all-defaults classification.
func Parse(text string) (ticket.Classification, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(StripFence(text)), &raw); err != nil {
		return Normalize(nil), fmt.Errorf("decode classifier output: %w", err)
	}
	return Normalize(raw), nil
}

// Normalize maps arbitrary engine output onto the closed vocabularies.
func Normalize(raw map[string]any) ticket.Classification {
	typ := ticket.Type(lowerString(raw["type"]))
	if !typ.Known() {
		typ = ticket.TypeUnknown
	}
	prio := ticket.Priority(lowerString(raw["priority"]))
	if !prio.Known() {
		prio = ticket.PriorityMedium
	}

	reasoning := ""
	switch v := raw["reasoning"].(type) {
	case nil:
	case string:
		reasoning = strings.TrimSpace(v)
	default:
		reasoning = strings.TrimSpace(fmt.Sprint(v))
	}
	if reasoning == "" {
		reasoning = ReasoningFallback
	}

	conf := normalizeConfidence(raw["confidence"])
	return ticket.Classification{
		Type:       typ,
		Priority:   prio,
		Reasoning:  reasoning,
		Confidence: &conf,
	}
}

func lowerString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeConfidence(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return DefaultConfidence
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return DefaultConfidence
		}
		f = p
	default:
		return DefaultConfidence
	}
	if math.IsNaN(f) {
		return DefaultConfidence
	}
	return math.Max(0, math.Min(1, f))
}
