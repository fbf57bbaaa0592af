// Package persona defines who the companion is: the name it answers to, the
// system prompt that sets its character, the voice it speaks with, and the
// speaking style rules that shape its delivery.
//
// Personas load from YAML files via [Load]; deployments that never configure
// one get [Default]. The persona is read once at session start, so editing
// the file takes effect on the next session rather than mid-conversation.
package persona

import (
	"fmt"
	"strings"

	"github.com/cadenza-voice/cadenza/pkg/provider/tts"
)

// Persona describes the companion's character and delivery.
type Persona struct {
	// Name is the name the companion answers to (e.g., "Cadenza"). Used in
	// the Discord status embed and available to the system prompt.
	Name string `yaml:"name"`

	// SystemPrompt is the free-text character description injected at the top
	// of every reply prompt. It should describe temperament, interests, and
	// how the companion relates to the user.
	SystemPrompt string `yaml:"system_prompt"`

	// SpeakingStyle lists delivery rules appended to the system prompt as a
	// numbered list (e.g., "Keep sentences short enough to say in one breath").
	SpeakingStyle []string `yaml:"speaking_style"`

	// Voice selects and tunes the TTS voice used for this persona.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig is the YAML shape of the persona's TTS voice settings.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier. Empty means the TTS
	// provider's default voice.
	ID string `yaml:"id"`

	// Name is the human-readable voice name, informational only.
	Name string `yaml:"name"`

	// Emotion is the baseline delivery hint (e.g., "warm"). The per-turn
	// emotional tone may override it.
	Emotion string `yaml:"emotion"`

	// PitchShift adjusts pitch in the range -10 to +10; 0 keeps the default.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate in the range 0.5 to 2.0; 0 means 1.0.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// Default returns the built-in persona used when no persona file is
// configured.
func Default() *Persona {
	return &Persona{
		Name: "Cadenza",
		SystemPrompt: "You are Cadenza, a warm, attentive voice companion. " +
			"You listen closely, remember what matters to the user, and reply " +
			"the way a good friend talks: natural, specific, never lecturing. " +
			"Your replies are spoken aloud, so write for the ear.",
		SpeakingStyle: []string{
			"Keep sentences short enough to say in one breath.",
			"Prefer one thought per reply; ask at most one question.",
			"Never use markdown, lists, or emoji; this is speech.",
			"Match the user's energy instead of forcing cheerfulness.",
		},
		Voice: VoiceConfig{
			Emotion:     "warm",
			SpeedFactor: 1.0,
		},
	}
}

// Prompt renders the persona into the system prompt text handed to the reply
// engine: the character description followed by the speaking style rules.
func (p *Persona) Prompt() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))
	if len(p.SpeakingStyle) > 0 {
		b.WriteString("\n\nSpeaking style:\n")
		for i, rule := range p.SpeakingStyle {
			fmt.Fprintf(&b, "%d. %s\n", i+1, rule)
		}
	}
	return b.String()
}

// VoiceProfile converts the persona's voice settings into the profile the TTS
// provider consumes. A zero SpeedFactor becomes 1.0 so an unset field keeps
// the provider's natural rate.
func (p *Persona) VoiceProfile() tts.VoiceProfile {
	speed := p.Voice.SpeedFactor
	if speed == 0 {
		speed = 1.0
	}
	return tts.VoiceProfile{
		ID:          p.Voice.ID,
		Name:        p.Voice.Name,
		Emotion:     p.Voice.Emotion,
		PitchShift:  p.Voice.PitchShift,
		SpeedFactor: speed,
	}
}
