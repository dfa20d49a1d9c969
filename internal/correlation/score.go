package correlation

import (
	"strings"

	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/store"
)

// stopwords are excluded from keyword-overlap tokens.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "with": {},
	"are": {}, "was": {}, "were": {}, "been": {}, "have": {},
	"has": {}, "had": {}, "is": {}, "it": {}, "to": {},
	"of": {}, "in": {}, "a": {}, "an": {},
}

// reactionWords mark a chat message as an emote-style reaction even without
// actual emotes.
var reactionWords = map[string]struct{}{
	"lol": {}, "lmao": {}, "rofl": {}, "haha": {}, "kek": {},
	"true": {}, "facts": {}, "based": {}, "poggers": {}, "pog": {},
	"kappa": {}, "omegalul": {}, "pepega": {}, "monkas": {},
	"wut": {}, "wat": {}, "bruh": {}, "no": {}, "yes": {}, "yep": {},
}

// Pattern base confidences, strongest first.
const (
	baseDirectQuote      = 0.9
	baseKeywordEcho      = 0.7
	baseEmoteReaction    = 0.6
	baseQuestionResponse = 0.5
	baseTemporalOnly     = 0.3
)

// tokenize lowercases, splits on whitespace, and keeps tokens longer than
// two characters that are not stopwords.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		if len(tok) <= 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// keywordOverlap holds when the shared-token count reaches 2, or covers at
// least half of the smaller token set.
func keywordOverlap(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
		}
	}
	if shared >= 2 {
		return true
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(shared)/float64(min) >= 0.5
}

// classify applies the pattern rules top-down; the first match wins.
func classify(transcriptionText string, chat bus.ChatMessage) (string, float64) {
	chatLower := strings.ToLower(chat.Text)
	transcriptionLower := strings.ToLower(transcriptionText)

	if len(transcriptionText) > 5 && strings.Contains(chatLower, transcriptionLower) {
		return store.PatternDirectQuote, baseDirectQuote
	}

	chatTokens := tokenize(chat.Text)
	transcriptionTokens := tokenize(transcriptionText)
	overlap := keywordOverlap(chatTokens, transcriptionTokens)
	if overlap {
		return store.PatternKeywordEcho, baseKeywordEcho
	}

	if len(chat.Emotes) > 0 || len(chat.NativeEmotes) > 0 || containsReactionWord(chatLower) {
		return store.PatternEmoteReaction, baseEmoteReaction
	}

	if strings.Contains(chat.Text, "?") && containsQuestionWord(chatLower) && overlap {
		return store.PatternQuestionResponse, baseQuestionResponse
	}

	return store.PatternTemporalOnly, baseTemporalOnly
}

func containsReactionWord(lower string) bool {
	for _, tok := range strings.Fields(lower) {
		if _, ok := reactionWords[tok]; ok {
			return true
		}
	}
	return false
}

func containsQuestionWord(lower string) bool {
	return strings.Contains(lower, "what") ||
		strings.Contains(lower, "why") ||
		strings.Contains(lower, "how")
}

// timeFactor scales confidence down as the chat lag moves away from the
// sweet spot: 1.0 at 3 s falling linearly to 0.8 at 7 s.
func timeFactor(offsetMS int64) float64 {
	return 1 - (float64(offsetMS-3000)/4000)*0.2
}

// Score classifies the chat message against a transcription snippet and
// returns the pattern with its time-adjusted confidence. Offsets outside
// [3000, 7000] ms are never scored; callers bound the candidate query.
func Score(transcriptionText string, chat bus.ChatMessage, offsetMS int64) (string, float64) {
	pattern, base := classify(transcriptionText, chat)
	return pattern, base * timeFactor(offsetMS)
}
