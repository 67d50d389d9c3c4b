package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"himcore/internal/tokenize"
)

// Sentence ends at . ! ? 。 or a line break.
var sentenceSplitter = regexp.MustCompile(`[^.!?。\n]+(?:[.!?。]+|\n|$)`)

// Sentences splits text into trimmed, non-empty sentences.
func Sentences(text string) []string {
	var out []string
	for _, sent := range sentenceSplitter.FindAllString(text, -1) {
		if sent = strings.TrimSpace(sent); sent != "" {
			out = append(out, sent)
		}
	}
	return out
}

// FrequencySummarizer ranks sentences by word frequency (stopwords filtered).
// It labels ingested documents that arrive without a display name.
type FrequencySummarizer struct {
	splitter *regexp.Regexp
}

// NewFrequencySummarizer creates a frequency-based sentence ranker summarizer.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{splitter: sentenceSplitter}
}

// Summarize returns up to maxSentences of the highest scoring sentences in
// their original order.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) (string, error) {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	var sentences []string
	for _, sent := range s.splitter.FindAllString(text, -1) {
		if sent = strings.TrimSpace(sent); sent != "" {
			sentences = append(sentences, sent)
		}
	}
	if len(sentences) == 0 {
		return strings.TrimSpace(text), nil
	}
	// Compute word frequencies
	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range content(sent) {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		if v > maxF {
			maxF = v
		}
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}
	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, len(sentences))
	for i, sent := range sentences {
		toks := content(sent)
		sscore := 0.0
		for _, tok := range toks {
			sscore += freq[tok]
		}
		// Normalize by sentence length to avoid bias
		if l := float64(len(toks)); l > 0 {
			sscore /= math.Sqrt(l)
		}
		scores[i] = pair{i, sscore}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if maxSentences > len(scores) {
		maxSentences = len(scores)
	}
	// Keep original order among selected
	selected := make([]int, maxSentences)
	for i := 0; i < maxSentences; i++ {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, 0, len(selected))
	for _, idx := range selected {
		out = append(out, sentences[idx])
	}
	return strings.Join(out, " "), nil
}

// Label derives a short display name from text: the first line, cut to
// maxRunes runes.
func Label(text string, maxRunes int) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	r := []rune(line)
	if maxRunes > 0 && len(r) > maxRunes {
		return strings.TrimSpace(string(r[:maxRunes])) + "…"
	}
	return line
}

// Excerpt collapses whitespace and cuts text to maxRunes.
func Excerpt(text string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if maxRunes <= 0 || len(r) <= maxRunes {
		return text
	}
	return strings.TrimSpace(string(r[:maxRunes])) + "…"
}

// Around returns up to radius runes on each side of the first
// case-insensitive occurrence of term, whitespace collapsed. It is empty
// when term does not occur.
func Around(text, term string, radius int) string {
	if term == "" {
		return ""
	}
	r := []rune(text)
	lower := []rune(strings.ToLower(text))
	needle := []rune(strings.ToLower(term))
	if len(lower) != len(r) {
		lower = r
	}
	at := -1
	for i := 0; i+len(needle) <= len(lower); i++ {
		if string(lower[i:i+len(needle)]) == string(needle) {
			at = i
			break
		}
	}
	if at < 0 {
		return ""
	}
	from := max(at-radius, 0)
	to := min(at+len(needle)+radius, len(r))
	return strings.Join(strings.Fields(string(r[from:to])), " ")
}

func content(text string) []string {
	words := tokenize.Words(text)
	out := words[:0]
	for _, w := range words {
		if !tokenize.IsStopword(w) {
			out = append(out, w)
		}
	}
	return out
}
