package extract

import (
	"testing"
)

const validBlock = "Here is my plan:\n```json\n{\"progress_pct\": 100, \"status\": \"blocked\", \"summary\": \"Plan ready\", \"confidence\": \"high\", \"branch_suggestion\": \"fix/login-crash\", \"action_plan\": [{\"step\": 1, \"desc\": \"Reproduce\", \"done\": true}]}\n```\nLet me know."

func TestFromTranscriptFindsFencedRecord(t *testing.T) {
	t.Parallel()
	out, ok := FromTranscript([]string{"working on it", validBlock})
	if !ok {
		t.Fatalf("expected a record")
	}
	if out.ProgressPct != 100 || out.Status != "blocked" || out.Summary != "Plan ready" {
		t.Fatalf("unexpected record: %+v", out)
	}
	if len(out.ActionPlan) != 1 || out.ActionPlan[0].Desc != "Reproduce" || !out.ActionPlan[0].Done {
		t.Fatalf("action plan not parsed: %+v", out.ActionPlan)
	}
}

func TestFromTranscriptPrefersMostRecentMessage(t *testing.T) {
	t.Parallel()
	older := "```json\n{\"progress_pct\": 40, \"status\": \"working\", \"summary\": \"older\"}\n```"
	newer := "```json\n{\"progress_pct\": 80, \"status\": \"working\", \"summary\": \"newer\"}\n```"
	out, ok := FromTranscript([]string{older, "chatter", newer})
	if !ok || out.Summary != "newer" {
		t.Fatalf("expected newest record, got ok=%v %+v", ok, out)
	}
}

func TestFromTranscriptPrefersLastBlockInMessage(t *testing.T) {
	t.Parallel()
	msg := "First cut:\n```json\n{\"progress_pct\": 30, \"status\": \"working\", \"summary\": \"draft\"}\n```\nRevised:\n```json\n{\"progress_pct\": 70, \"status\": \"working\", \"summary\": \"revised\"}\n```"
	out, ok := FromTranscript([]string{msg})
	if !ok || out.Summary != "revised" {
		t.Fatalf("expected last block in message, got ok=%v %+v", ok, out)
	}
}

func TestFromTranscriptSkipsMalformedFragments(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		messages []string
		wantOK   bool
	}{
		{"no fences", []string{"just prose", "more prose"}, false},
		{"unclosed fence", []string{"```json\n{\"progress_pct\": 10"}, false},
		{"invalid json", []string{"```json\n{progress: oops}\n```"}, false},
		{"missing required field", []string{"```json\n{\"progress_pct\": 10, \"summary\": \"no status\"}\n```"}, false},
		{"not an object", []string{"```json\n[1,2,3]\n```"}, false},
		{"progress out of range", []string{"```json\n{\"progress_pct\": 140, \"status\": \"working\", \"summary\": \"x\"}\n```"}, false},
		{"empty transcript", nil, false},
		{"bad then good in same message", []string{"```\n{nope}\n```\n```json\n{\"progress_pct\": 5, \"status\": \"working\", \"summary\": \"ok\"}\n```"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := FromTranscript(tc.messages)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v want %v", ok, tc.wantOK)
			}
		})
	}
}

func TestFromTranscriptFallsBackWithinMessage(t *testing.T) {
	t.Parallel()
	// The newest message has only a broken block; the record in the
	// older message should still be found.
	out, ok := FromTranscript([]string{validBlock, "```json\n{broken\n```"})
	if !ok || out.Summary != "Plan ready" {
		t.Fatalf("expected fallback to older message, got ok=%v %+v", ok, out)
	}
}

func TestFromJSON(t *testing.T) {
	t.Parallel()
	out, ok := FromJSON([]byte(`{"progress_pct": 55, "status": "working", "summary": "halfway", "risks": ["scope creep"]}`))
	if !ok || out.ProgressPct != 55 || len(out.Risks) != 1 {
		t.Fatalf("unexpected: ok=%v %+v", ok, out)
	}
	if _, ok := FromJSON(nil); ok {
		t.Fatalf("nil payload should yield absence")
	}
	if _, ok := FromJSON([]byte("null")); ok {
		t.Fatalf("null payload should yield absence")
	}
}
