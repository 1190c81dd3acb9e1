package bot

import "testing"

func TestParseID(t *testing.T) {
	if id := parseID("discuss:42"); id != 42 {
		t.Fatalf("ожидали 42, получили %d", id)
	}
	if id := parseID("discuss"); id != 0 {
		t.Fatalf("ожидали 0 для данных без id, получили %d", id)
	}
	if id := parseID("discuss:abc"); id != 0 {
		t.Fatalf("ожидали 0 для нечислового id, получили %d", id)
	}
}

func TestParseReaction(t *testing.T) {
	id, reaction := parseReaction("react:7:👍")
	if id != 7 || reaction != "👍" {
		t.Fatalf("ожидали 7/👍, получили %d/%q", id, reaction)
	}
	if id, reaction := parseReaction("react:7"); id != 0 || reaction != "" {
		t.Fatalf("ожидали пустой разбор, получили %d/%q", id, reaction)
	}
}
