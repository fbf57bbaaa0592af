package promptctx

import "strings"

// topicKeywords maps conversation topics to their indicator keywords, in a
// fixed order so ExtractTopics output is deterministic. Single-word keywords
// match whole words (with a naive plural strip); multi-word keywords match as
// substrings.
var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"work", []string{"job", "work", "career", "office", "boss", "colleague", "meeting", "project"}},
	{"family", []string{"family", "mom", "dad", "parent", "child", "sibling", "relative"}},
	{"health", []string{"health", "sick", "doctor", "exercise", "diet", "hospital", "medicine"}},
	{"relationships", []string{"friend", "relationship", "dating", "partner", "girlfriend", "boyfriend"}},
	{"hobbies", []string{"hobby", "music", "art", "sport", "game", "book", "movie", "reading"}},
	{"nature", []string{"nature", "outdoor", "hiking", "park", "beach", "mountain", "forest"}},
	{"technology", []string{"computer", "phone", "app", "software", "tech", "internet", "ai"}},
	{"future", []string{"goal", "plan", "dream", "future", "hope", "want", "aspire", "ambition"}},
	{"past", []string{"remember", "memory", "childhood", "past", "history", "used to"}},
	{"education", []string{"school", "university", "study", "learn", "course", "class", "education"}},
}

// ExtractTopics returns the topics mentioned in text, in lexicon order. Turns
// are tagged with these so recall can filter by subject.
func ExtractTopics(text string) []string {
	lowered := strings.ToLower(text)
	words := make(map[string]struct{})
	for _, w := range strings.Fields(lowered) {
		w = strings.Trim(w, ".,!?;:'\"()")
		words[w] = struct{}{}
		if s, ok := strings.CutSuffix(w, "s"); ok && s != "" {
			words[s] = struct{}{}
		}
	}

	var topics []string
	for _, entry := range topicKeywords {
		for _, kw := range entry.keywords {
			var hit bool
			if strings.ContainsRune(kw, ' ') {
				hit = strings.Contains(lowered, kw)
			} else {
				_, hit = words[kw]
			}
			if hit {
				topics = append(topics, entry.topic)
				break
			}
		}
	}
	return topics
}
