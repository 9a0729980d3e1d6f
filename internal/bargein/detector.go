// Package bargein implements stop-phrase detection on user speech
// transcripts. It classifies partial transcript deltas as interruption
// requests so the relay can cancel the in-flight model response while the
// model is still speaking.
//
// Detection is deliberately eager: matching runs on every partial delta, not
// just finals, because waiting for a final transcript would add a perceptible
// lag between the user saying "stop" and the audio actually stopping.
package bargein

import (
	"regexp"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// DefaultDebounce is the minimum interval between two accepted barge-ins.
// Partial transcripts repeat the matched phrase across consecutive deltas;
// the debounce collapses that burst into a single cancellation.
const DefaultDebounce = 600 * time.Millisecond

// stopPhraseRe matches any stop phrase on a word boundary, anywhere in the
// text. Substring hits inside larger words ("nonstop") do not match.
var stopPhraseRe = regexp.MustCompile(`(?i)\b(stop|cancel|pause|hold on|wait|quiet|be quiet|silence|shut up)\b`)

// stopPrefixes are truncated leading fragments accepted as a stop request.
// Streaming recognition often cuts the word short when the user clips their
// speech, so "st" or "sto" at the start of an utterance already counts.
var stopPrefixes = map[string]struct{}{
	"st":    {},
	"sto":   {},
	"stop":  {},
	"stop.": {},
	"stop!": {},
}

// phoneticVocab holds the stop words checked by Double Metaphone when the
// literal patterns miss. Restricted to long, phonetically distinct words:
// short words like "wait" collide with too much ordinary speech ("white").
var phoneticVocab = []string{"stop", "cancel", "silence"}

// Policy controls when a detected stop phrase actually cancels a response.
type Policy struct {
	// Debounce is the minimum interval between accepted barge-ins.
	// Zero means DefaultDebounce.
	Debounce time.Duration

	// CancelOnAnySpeech treats every user speech delta as an interruption,
	// matching or not. Off by default; with server-side voice activity
	// detection the model already yields on overlap, so phrase-gated
	// cancellation is the less disruptive mode.
	CancelOnAnySpeech bool
}

// EffectiveDebounce returns the configured debounce, defaulted when unset.
func (p Policy) EffectiveDebounce() time.Duration {
	if p.Debounce <= 0 {
		return DefaultDebounce
	}
	return p.Debounce
}

// IsStopPhrase reports whether text contains a stop phrase. It checks, in
// order: truncated leading prefixes, word-boundary phrase patterns, and a
// phonetic fallback for single-token utterances that the recognizer may have
// spelled creatively ("stawp").
func IsStopPhrase(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return false
	}

	if _, ok := stopPrefixes[trimmed]; ok {
		return true
	}
	if stopPhraseRe.MatchString(trimmed) {
		return true
	}
	return phoneticMatch(trimmed)
}

// phoneticMatch compares a single short utterance against the phonetic stop
// vocabulary. Multi-word text is skipped: phonetic codes on full sentences
// produce too many false hits to be useful.
func phoneticMatch(trimmed string) bool {
	token := strings.Trim(trimmed, ".,!?")
	if token == "" || strings.ContainsRune(token, ' ') || len(token) < 4 {
		return false
	}

	primary, secondary := matchr.DoubleMetaphone(token)
	for _, word := range phoneticVocab {
		wp, ws := matchr.DoubleMetaphone(word)
		if primary == wp || (secondary != "" && secondary == ws) {
			return true
		}
	}
	return false
}

// Triggered reports whether a user speech delta should interrupt the model
// under the given policy. delta is the newest transcript fragment;
// accumulated is the utterance so far including delta. Both are checked so a
// stop phrase split across two deltas ("be" then "quiet") is still caught.
//
// Triggered does not apply the debounce; that belongs to the session state,
// which must check-and-arm atomically under its own lock.
func Triggered(p Policy, delta string, accumulated string) bool {
	if p.CancelOnAnySpeech && strings.TrimSpace(delta) != "" {
		return true
	}
	return IsStopPhrase(delta) || IsStopPhrase(accumulated)
}
