package templates

import (
	"strings"
	"testing"
)

func TestLoad_EmbeddedDefaultsAreComplete(t *testing.T) {
	set, err := Load()
	if err != nil {
		t.Fatalf("load embedded templates: %v", err)
	}
	if set.Expert.Buttons.ApproveID == "" || set.Expert.Buttons.RejectID == "" {
		t.Fatalf("expert buttons missing: %+v", set.Expert.Buttons)
	}
	if set.Reactions.Verified == "" || set.Reactions.Wrong == "" {
		t.Fatalf("reaction emoji missing: %+v", set.Reactions)
	}
	if set.FollowUps.MaxItems <= 0 {
		t.Fatalf("follow-up cap must default positive, got %d", set.FollowUps.MaxItems)
	}
	if !strings.Contains(set.Expert.VerificationPrompt, "{{question}}") ||
		!strings.Contains(set.Expert.VerificationPrompt, "{{answer}}") {
		t.Fatalf("verification prompt lost its placeholders")
	}
}

func TestRender_SubstitutesPlaceholders(t *testing.T) {
	out := Render("Q: {{question}} A: {{answer}}", map[string]string{
		"question": "what",
		"answer":   "that",
	})
	if out != "Q: what A: that" {
		t.Fatalf("unexpected render: %q", out)
	}
	if got := Render("plain", nil); got != "plain" {
		t.Fatalf("no-var render changed text: %q", got)
	}
	if got := Render("{{missing}}", map[string]string{"other": "x"}); got != "{{missing}}" {
		t.Fatalf("unknown placeholder must stay put: %q", got)
	}
}
