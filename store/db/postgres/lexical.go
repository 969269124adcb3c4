package postgres

import (
	"regexp"
	"strings"
)

// tokenPattern matches ASCII word tokens and contiguous CJK spans.
var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+|[\x{4e00}-\x{9fff}]+`)

// tokenizeForMatch splits a query into match tokens of length >= 2.
func tokenizeForMatch(query string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(query), -1)
	tokens := make([]string, 0, len(raw))
	for _, token := range raw {
		if len([]rune(token)) >= 2 {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// lexicalMatchScore scores a candidate by summing the length of every query
// token contained in title+content. Longer matched tokens weigh more.
func lexicalMatchScore(query, title, content string) int {
	tokens := tokenizeForMatch(query)
	if len(tokens) == 0 {
		return 0
	}
	haystack := strings.ToLower(title + " " + content)
	score := 0
	for _, token := range tokens {
		if strings.Contains(haystack, token) {
			score += len([]rune(token))
		}
	}
	return score
}
