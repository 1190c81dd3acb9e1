package summarize

import "strings"

// SplitChunks режет текст на упорядоченные куски не длиннее size рун,
// стараясь не рвать предложения. Предложение длиннее size режется жёстко.
func SplitChunks(text string, size int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if size <= 0 {
		return []string{trimmed}
	}
	runes := []rune(trimmed)
	if len(runes) <= size {
		return []string{trimmed}
	}

	var chunks []string
	var current []rune
	for _, sentence := range splitSentences(runes) {
		if len(current)+len(sentence) > size && len(current) > 0 {
			chunks = append(chunks, strings.TrimSpace(string(current)))
			current = current[:0]
		}
		if len(sentence) > size {
			for start := 0; start < len(sentence); start += size {
				end := start + size
				if end > len(sentence) {
					end = len(sentence)
				}
				chunks = append(chunks, strings.TrimSpace(string(sentence[start:end])))
			}
			continue
		}
		current = append(current, sentence...)
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.TrimSpace(string(current)))
	}
	return chunks
}

func splitSentences(runes []rune) [][]rune {
	var sentences [][]rune
	start := 0
	for i, r := range runes {
		switch r {
		case '.', '!', '?', '\n':
			if i+1 > start {
				sentences = append(sentences, runes[start:i+1])
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		sentences = append(sentences, runes[start:])
	}
	return sentences
}
