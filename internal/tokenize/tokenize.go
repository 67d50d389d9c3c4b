// Package tokenize normalizes text into the token stream shared by the
// chunker, the vectorizer and the summarizer.
package tokenize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Token is a lower-cased word together with its byte span in the source.
type Token struct {
	Text  string
	Start int
	End   int
}

// Tokens splits text into normalized tokens. Letters, digits and combining
// marks form words; everything else separates them. Han ideographs and kana
// are emitted one rune per token since those scripts carry no spaces.
func Tokens(text string) []Token {
	var out []Token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			out = append(out, Token{Text: strings.ToLower(text[start:end]), Start: start, End: end})
			start = -1
		}
	}
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case isolated(r):
			flush(i)
			out = append(out, Token{Text: string(unicode.ToLower(r)), Start: i, End: i + size})
		case r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)):
			if start < 0 {
				start = i
			}
		default:
			flush(i)
		}
		i += size
	}
	flush(len(text))
	return out
}

// Words returns only the token texts.
func Words(text string) []string {
	toks := Tokens(text)
	if len(toks) == 0 {
		return nil
	}
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Text
	}
	return out
}

// Count returns the number of tokens in text.
func Count(text string) int { return len(Tokens(text)) }

func isolated(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r)
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"및", "또는", "등", "수", "것", "그", "이", "저", "더",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// IsStopword reports whether a normalized token carries no retrieval signal.
func IsStopword(word string) bool {
	_, ok := stopwords[word]
	return ok
}
