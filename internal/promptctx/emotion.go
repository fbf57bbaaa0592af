package promptctx

import "strings"

// User emotions the lexicon classifier can tag.
const (
	EmotionJoy      = "joy"
	EmotionSadness  = "sadness"
	EmotionAnxiety  = "anxiety"
	EmotionAnger    = "anger"
	EmotionSurprise = "surprise"
	EmotionNeutral  = "neutral"
)

// Response emotions the companion speaks with. They feed the TTS voice
// profile and the filler rendition.
const (
	ResponseJoy      = "joy"
	ResponseEmpathy  = "empathy"
	ResponseComfort  = "comfort"
	ResponseCalm     = "calm"
	ResponseInterest = "interest"
)

// emotionLexicon lists indicator words per emotion, in precedence order: the
// first emotion with a hit wins. Plain words, matched on word boundaries.
// This is a register detector for voice shaping, not sentiment analysis.
var emotionLexicon = []struct {
	emotion string
	words   []string
}{
	{EmotionJoy, []string{"happy", "great", "amazing", "wonderful", "excited", "love", "loved", "fantastic", "awesome", "brilliant"}},
	{EmotionSadness, []string{"sad", "depressed", "down", "terrible", "awful", "hate", "cry", "crying", "cried", "disappointed", "upset"}},
	{EmotionAnxiety, []string{"worried", "anxious", "scared", "nervous", "afraid", "stress", "stressed", "panic", "overwhelmed"}},
	{EmotionAnger, []string{"angry", "mad", "furious", "frustrated", "irritated", "annoyed", "livid"}},
	{EmotionSurprise, []string{"surprised", "shocked", "wow", "incredible", "unbelievable"}},
}

// ClassifyEmotion tags text with the dominant user emotion. No indicator word
// means neutral.
func ClassifyEmotion(text string) string {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[strings.Trim(w, ".,!?;:'\"()")] = struct{}{}
	}
	for _, entry := range emotionLexicon {
		for _, w := range entry.words {
			if _, ok := words[w]; ok {
				return entry.emotion
			}
		}
	}
	return EmotionNeutral
}

// ResponseEmotion maps the user's emotion to the register the companion
// responds with. Unknown emotions get interest, the conversational default.
func ResponseEmotion(userEmotion string) string {
	switch userEmotion {
	case EmotionJoy:
		return ResponseJoy
	case EmotionSadness:
		return ResponseEmpathy
	case EmotionAnxiety:
		return ResponseComfort
	case EmotionAnger:
		return ResponseCalm
	default:
		return ResponseInterest
	}
}
