package promptctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/provider/llm"
)

// defaultPersona is used when no persona prompt is configured.
const defaultPersona = "You are a warm, attentive voice companion. Keep replies natural and concise; they will be spoken aloud."

// responseGuidance phrases each response emotion as an instruction.
var responseGuidance = map[string]string{
	ResponseJoy:      "shared warmth and enthusiasm",
	ResponseEmpathy:  "gentle empathy",
	ResponseComfort:  "calm reassurance",
	ResponseCalm:     "a steady, de-escalating tone",
	ResponseInterest: "curiosity and engagement",
}

// FormatSystemPrompt renders the system prompt from the persona and the
// assembled context. Pure formatting, no I/O. Empty sections are omitted;
// recent turns are deliberately absent because they travel as chat history in
// [BuildMessages] instead.
func FormatSystemPrompt(pctx *PromptContext, personaPrompt string) string {
	var b strings.Builder

	persona := strings.TrimSpace(personaPrompt)
	if persona == "" {
		persona = defaultPersona
	}
	b.WriteString(persona)

	if pctx == nil {
		return b.String()
	}

	now := time.Now()

	if len(pctx.Summaries) > 0 {
		b.WriteString("\n\n## Earlier conversations\n")
		for _, s := range pctx.Summaries {
			fmt.Fprintf(&b, "- %s (%s)\n", s.Summary, formatRelativeTime(now.Sub(s.EndedAt)))
		}
	}

	if len(pctx.Recalled) > 0 {
		b.WriteString("\n## Related memories\n")
		for _, r := range pctx.Recalled {
			fmt.Fprintf(&b, "- %s: user said %q, you replied %q\n",
				formatRelativeTime(now.Sub(r.Turn.Timestamp)), r.Turn.UserText, r.Turn.ReplyText)
		}
	}

	if pctx.Emotion != "" && pctx.Emotion != EmotionNeutral {
		guidance := responseGuidance[pctx.ResponseEmotion]
		if guidance == "" {
			guidance = responseGuidance[ResponseInterest]
		}
		b.WriteString("\n## The user right now\n")
		fmt.Fprintf(&b, "The user sounds %s. Respond with %s.\n", pctx.Emotion, guidance)
	}

	return b.String()
}

// BuildMessages produces the full message list for a reply: system prompt,
// the recent turns as alternating chat history, then the new user utterance.
func BuildMessages(pctx *PromptContext, personaPrompt, userText string) []llm.Message {
	messages := []llm.Message{{Role: "system", Content: FormatSystemPrompt(pctx, personaPrompt)}}
	if pctx != nil {
		for _, t := range pctx.RecentTurns {
			if t.UserText != "" {
				messages = append(messages, llm.Message{Role: "user", Content: t.UserText})
			}
			if t.ReplyText != "" {
				messages = append(messages, llm.Message{Role: "assistant", Content: t.ReplyText})
			}
		}
	}
	return append(messages, llm.Message{Role: "user", Content: userText})
}

func formatRelativeTime(d time.Duration) string {
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
