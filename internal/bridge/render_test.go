package bridge

import (
	"strings"
	"testing"
)

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"bold", "it is **sunny** today", "it is sunny today"},
		{"italic", "quite *warm* indeed", "quite warm indeed"},
		{"link", "see [docs](https://go.dev)", "see docs (https://go.dev)"},
		{"heading", "# Forecast\nsunny", "Forecast\nsunny"},
		{"inline code", "run `go test` now", "run go test now"},
		{"code block", "```go\nfmt.Println()\n```", "fmt.Println()"},
		{"list untouched", "- one\n- two", "- one\n- two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToPlain(tt.md); got != tt.want {
				t.Errorf("markdownToPlain(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestMarkdownToHTML(t *testing.T) {
	html, err := markdownToHTML("it is **sunny** today")
	if err != nil {
		t.Fatalf("markdownToHTML() error: %v", err)
	}
	if !strings.Contains(html, "<strong>sunny</strong>") {
		t.Errorf("html missing rendered bold: %s", html)
	}
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("html missing document envelope")
	}
}
