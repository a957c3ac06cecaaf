// Package extract recovers a machine-readable progress record from
// free-text agent transcripts. Agents are asked to emit their plan as a
// fenced JSON block, but transcripts also carry prose, partial fragments,
// and retries, so extraction is best-effort: bad input yields absence,
// never an error.
package extract

import (
	"encoding/json"
	"strings"
)

// Confidence levels an agent may self-report.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// PlanStep is one entry of an ordered action plan.
type PlanStep struct {
	Step int    `json:"step"`
	Desc string `json:"desc"`
	Done bool   `json:"done"`
}

// Output is the structured progress record attached to a session.
type Output struct {
	ProgressPct      int        `json:"progress_pct"`
	Confidence       string     `json:"confidence,omitempty"`
	Status           string     `json:"status,omitempty"`
	Summary          string     `json:"summary"`
	Risks            []string   `json:"risks,omitempty"`
	Dependencies     []string   `json:"dependencies,omitempty"`
	EstimatedHours   float64    `json:"estimated_hours,omitempty"`
	ActionPlan       []PlanStep `json:"action_plan,omitempty"`
	BranchSuggestion string     `json:"branch_suggestion,omitempty"`
	PRURL            string     `json:"pr_url,omitempty"`
}

// FromTranscript scans messages most-recent-first for a fenced block that
// parses as an output record with the required fields. Blocks within one
// message are scanned last-to-first as well, so the newest record always
// wins. It returns the first valid match, or ok=false if no message
// yields one.
func FromTranscript(messages []string) (Output, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		blocks := fencedBlocks(messages[i])
		for j := len(blocks) - 1; j >= 0; j-- {
			out, ok := parseOutput(blocks[j])
			if ok {
				return out, true
			}
		}
	}
	return Output{}, false
}

// FromJSON parses a raw structured_output value as sent by the agent
// service. As with transcripts, malformed payloads yield absence.
func FromJSON(raw []byte) (Output, bool) {
	if len(raw) == 0 {
		return Output{}, false
	}
	return parseOutput(string(raw))
}

func parseOutput(s string) (Output, bool) {
	// Decode into a map first so missing required fields are
	// distinguishable from zero values.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return Output{}, false
	}
	for _, field := range []string{"progress_pct", "status", "summary"} {
		if _, ok := probe[field]; !ok {
			return Output{}, false
		}
	}
	var out Output
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return Output{}, false
	}
	if out.ProgressPct < 0 || out.ProgressPct > 100 {
		return Output{}, false
	}
	return out, true
}

// fencedBlocks returns the contents of every ``` fence in the message,
// in order. An opening fence may carry a language tag; the closing fence
// must stand alone on its line. An unclosed fence is ignored.
func fencedBlocks(message string) []string {
	var blocks []string
	lines := strings.Split(message, "\n")
	var buf []string
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if strings.HasPrefix(trimmed, "```") {
				inBlock = true
				buf = buf[:0]
			}
			continue
		}
		if trimmed == "```" {
			inBlock = false
			blocks = append(blocks, strings.TrimSpace(strings.Join(buf, "\n")))
			continue
		}
		buf = append(buf, line)
	}
	return blocks
}
