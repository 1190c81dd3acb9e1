package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShort(t *testing.T) {
	parts := SplitMessage("короткое сообщение")
	if len(parts) != 1 || parts[0] != "короткое сообщение" {
		t.Fatalf("ожидали одну часть без изменений, получили %v", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := SplitMessage("   \n  "); parts != nil {
		t.Fatalf("ожидали nil для пустого текста, получили %v", parts)
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	block := strings.Repeat("строка текста\n", 400)
	parts := SplitMessage(block)
	if len(parts) < 2 {
		t.Fatalf("ожидали разбиение на несколько частей")
	}
	for i, part := range parts {
		if len([]rune(part)) > messageLimit {
			t.Fatalf("часть %d превышает лимит: %d", i, len([]rune(part)))
		}
		if strings.HasPrefix(part, "\n") || strings.HasSuffix(part, "\n") {
			t.Fatalf("часть %d не обрезана по переводам строк", i)
		}
	}
}

func TestSplitMessageFallsBackToSentence(t *testing.T) {
	sentence := strings.Repeat("Это предложение без переводов строк. ", 300)
	parts := SplitMessage(sentence)
	if len(parts) < 2 {
		t.Fatalf("ожидали разбиение длинного текста")
	}
	first := []rune(parts[0])
	if last := first[len(first)-1]; last != '.' {
		t.Fatalf("ожидали разрез по концу предложения, последний символ %q", last)
	}
}
