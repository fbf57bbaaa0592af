package promptctx_test

import (
	"strings"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/internal/promptctx"
	"github.com/cadenza-voice/cadenza/pkg/memory"
)

// TestFormatSystemPrompt_DefaultPersona verifies that an empty persona falls
// back to the built-in one.
func TestFormatSystemPrompt_DefaultPersona(t *testing.T) {
	got := promptctx.FormatSystemPrompt(nil, "")
	if !strings.Contains(got, "voice companion") {
		t.Errorf("prompt missing default persona: %q", got)
	}
	if got != promptctx.FormatSystemPrompt(nil, "   \n") {
		t.Error("whitespace-only persona should equal the empty persona")
	}
}

// TestFormatSystemPrompt_NilContext verifies that a nil context yields just
// the persona, with no sections.
func TestFormatSystemPrompt_NilContext(t *testing.T) {
	const persona = "You are a test persona."
	got := promptctx.FormatSystemPrompt(nil, persona)
	if got != persona {
		t.Errorf("FormatSystemPrompt(nil) = %q, want persona only", got)
	}
}

// TestFormatSystemPrompt_Sections verifies that each context section renders
// when populated and is omitted when empty.
func TestFormatSystemPrompt_Sections(t *testing.T) {
	pctx := &promptctx.PromptContext{
		Summaries: []memory.SessionSummary{
			{Summary: "talked about the garden and spring planting", EndedAt: time.Now().Add(-2 * time.Hour)},
		},
		Recalled: []memory.TurnResult{
			{Turn: memory.Turn{
				UserText:  "i like jazz",
				ReplyText: "Jazz is wonderful",
				Timestamp: time.Now().Add(-72 * time.Hour),
			}},
		},
		Emotion:         promptctx.EmotionSadness,
		ResponseEmotion: promptctx.ResponseEmpathy,
	}

	got := promptctx.FormatSystemPrompt(pctx, "Persona.")

	for _, want := range []string{
		"## Earlier conversations",
		"talked about the garden and spring planting",
		"2h ago",
		"## Related memories",
		`"i like jazz"`,
		`"Jazz is wonderful"`,
		"3d ago",
		"## The user right now",
		"The user sounds sadness. Respond with gentle empathy.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

// TestFormatSystemPrompt_OmitsEmptySections verifies that an empty context
// renders no headers, and that recent turns never appear in the system prompt.
func TestFormatSystemPrompt_OmitsEmptySections(t *testing.T) {
	pctx := &promptctx.PromptContext{
		RecentTurns: []memory.Turn{
			{UserText: "recent user text", ReplyText: "recent reply"},
		},
		Emotion:         promptctx.EmotionNeutral,
		ResponseEmotion: promptctx.ResponseInterest,
	}

	got := promptctx.FormatSystemPrompt(pctx, "Persona.")
	if strings.Contains(got, "##") {
		t.Errorf("expected no sections, got:\n%s", got)
	}
	if strings.Contains(got, "recent user text") {
		t.Error("recent turns belong in chat history, not the system prompt")
	}
}

// TestFormatSystemPrompt_NeutralEmotionOmitted verifies that neutral input
// produces no emotional guidance.
func TestFormatSystemPrompt_NeutralEmotionOmitted(t *testing.T) {
	pctx := &promptctx.PromptContext{
		Emotion:         promptctx.EmotionNeutral,
		ResponseEmotion: promptctx.ResponseInterest,
	}
	if got := promptctx.FormatSystemPrompt(pctx, "Persona."); strings.Contains(got, "The user sounds") {
		t.Errorf("neutral emotion should render no guidance:\n%s", got)
	}
}

// TestFormatSystemPrompt_RelativeTimes verifies the relative time tiers
// through rendered summary lines.
func TestFormatSystemPrompt_RelativeTimes(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want string
	}{
		{2 * time.Second, "just now"},
		{30 * time.Second, "30s ago"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}

	for _, tt := range tests {
		pctx := &promptctx.PromptContext{
			Summaries: []memory.SessionSummary{
				{Summary: "something", EndedAt: time.Now().Add(-tt.age)},
			},
		}
		got := promptctx.FormatSystemPrompt(pctx, "Persona.")
		if !strings.Contains(got, tt.want) {
			t.Errorf("age %v: prompt missing %q:\n%s", tt.age, tt.want, got)
		}
	}
}

// TestBuildMessages_Shape verifies the message sequence: system prompt, then
// recent turns as alternating history, then the new utterance.
func TestBuildMessages_Shape(t *testing.T) {
	pctx := &promptctx.PromptContext{
		RecentTurns: []memory.Turn{
			{UserText: "hello", ReplyText: "hi there"},
			{UserText: "how are you", ReplyText: "doing well"},
		},
	}

	msgs := promptctx.BuildMessages(pctx, "Persona.", "what did i say first")

	wantRoles := []string{"system", "user", "assistant", "user", "assistant", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("len(messages) = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("messages[%d].Role = %q, want %q", i, msgs[i].Role, want)
		}
	}
	if msgs[1].Content != "hello" || msgs[2].Content != "hi there" {
		t.Errorf("history not in order: %q, %q", msgs[1].Content, msgs[2].Content)
	}
	if msgs[len(msgs)-1].Content != "what did i say first" {
		t.Errorf("final message = %q, want the new utterance", msgs[len(msgs)-1].Content)
	}
}

// TestBuildMessages_SkipsEmptyTexts verifies that half-empty turns do not
// produce empty chat messages.
func TestBuildMessages_SkipsEmptyTexts(t *testing.T) {
	pctx := &promptctx.PromptContext{
		RecentTurns: []memory.Turn{
			{UserText: "only the user spoke", ReplyText: ""},
		},
	}

	msgs := promptctx.BuildMessages(pctx, "Persona.", "next")
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "only the user spoke" {
		t.Errorf("messages[1] = %+v", msgs[1])
	}
}

// TestBuildMessages_NilContext verifies the minimal two-message shape.
func TestBuildMessages_NilContext(t *testing.T) {
	msgs := promptctx.BuildMessages(nil, "", "hello")
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Errorf("roles = [%s %s], want [system user]", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "hello" {
		t.Errorf("messages[1].Content = %q, want %q", msgs[1].Content, "hello")
	}
}
