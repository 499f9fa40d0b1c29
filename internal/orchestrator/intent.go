package orchestrator

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Intent labels derived by keyword matching. They steer the system prompt,
// not the routing.
const (
	intentSearch          = "search"
	intentCalculation     = "calculation"
	intentTimeQuery       = "time_query"
	intentImageGeneration = "image_generation"
	intentHelpRequest     = "help_request"
	intentGeneral         = "general_conversation"
)

// fastPathThreshold is the minimum Jaro-Winkler similarity for a fuzzy
// fast-path phrase match. Voice transcripts arrive with recognition noise,
// so exact matching would miss most greetings.
const fastPathThreshold = 0.92

// fastPathEntry pairs a trigger phrase with its canned reply.
type fastPathEntry struct {
	phrase string
	reply  string
}

// fastPathTable covers greetings and pleasantries in English and German
// that never need an LLM round-trip.
var fastPathTable = []fastPathEntry{
	{"hello", "Hello! How can I help you today?"},
	{"hi", "Hi there! What can I do for you?"},
	{"hey", "Hey! What can I do for you?"},
	{"good morning", "Good morning! How can I help you today?"},
	{"good evening", "Good evening! What can I do for you?"},
	{"thank you", "You're welcome! Anything else I can help with?"},
	{"thanks", "You're welcome! Anything else I can help with?"},
	{"hallo", "Hallo! Wie kann ich dir helfen?"},
	{"guten morgen", "Guten Morgen! Wie kann ich dir helfen?"},
	{"guten tag", "Guten Tag! Wie kann ich dir helfen?"},
	{"guten abend", "Guten Abend! Was kann ich für dich tun?"},
	{"danke", "Gern geschehen! Kann ich sonst noch etwas tun?"},
	{"moin", "Moin! Wie kann ich dir helfen?"},
}

// fastPathReply returns the canned reply for input when it fuzzily matches a
// fast-path phrase, and whether it matched. Matching is fuzzy because the
// input may be a noisy STT transcript ("helo", "guten morgn").
func fastPathReply(input string) (string, bool) {
	normalized := normalize(input)
	if normalized == "" {
		return "", false
	}
	// Long utterances are real requests even when they start with a
	// greeting; only short inputs qualify.
	if len(strings.Fields(normalized)) > 3 {
		return "", false
	}
	for _, entry := range fastPathTable {
		if normalized == entry.phrase {
			return entry.reply, true
		}
		if matchr.JaroWinkler(normalized, entry.phrase, false) >= fastPathThreshold {
			return entry.reply, true
		}
	}
	return "", false
}

// intentKeywords maps each intent label to its trigger substrings, English
// and German. First match wins in the order below.
var intentKeywords = []struct {
	label    string
	keywords []string
}{
	{intentSearch, []string{"search", "find", "look up", "lookup", "suche", "finde"}},
	{intentCalculation, []string{"calculate", "compute", "how much is", "sum of", "rechne", "berechne"}},
	{intentTimeQuery, []string{"what time", "current time", "today's date", "what day", "uhrzeit", "wie spät", "datum"}},
	{intentImageGeneration, []string{"draw", "generate an image", "generate a picture", "create an image", "male ein bild", "zeichne"}},
	{intentHelpRequest, []string{"help", "how do i", "how to", "hilfe", "wie kann ich"}},
}

// detectIntent derives a lightweight intent label by keyword matching.
func detectIntent(input string) string {
	normalized := normalize(input)
	for _, group := range intentKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(normalized, kw) {
				return group.label
			}
		}
	}
	return intentGeneral
}

// normalize lowercases input and strips surrounding space and trailing
// punctuation.
func normalize(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	return strings.TrimRight(s, ".!?,;: ")
}
