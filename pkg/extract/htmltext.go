package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Text converts an email body to plain text with one visible text fragment
// per line. Bodies that do not look like HTML are returned with normalized
// line endings.
func Text(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	if !looksLikeHTML(body) {
		return body
	}

	var (
		lines []string
		skip  int
	)
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed document; keep whatever was read.
			return strings.Join(lines, "\n")
		case html.StartTagToken:
			if invisible(z) {
				skip++
			}
		case html.EndTagToken:
			if invisible(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			for _, line := range strings.Split(string(z.Text()), "\n") {
				if line = strings.Join(strings.Fields(line), " "); line != "" {
					lines = append(lines, line)
				}
			}
		}
	}
}

func invisible(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch atom.Lookup(name) {
	case atom.Script, atom.Style, atom.Head, atom.Title, atom.Noscript:
		return true
	}
	return false
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"<html", "<body", "<div", "<table", "<p>", "<br", "<span"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
