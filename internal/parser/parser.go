// Package parser derives display metadata (title, preview) from the head of a
// note file. It only ever sees a bounded prefix of the file.
package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Read bounds used by discovery and the reconciler.
const (
	TitleReadLimit   = 512
	PreviewReadLimit = 2048
)

// Title returns the note title: a frontmatter or #+TITLE value when present,
// otherwise the first non-empty, non-metadata line with heading markers
// stripped.
func Title(head []byte) string {
	head = trimPartialRune(head)
	fm, body, closed := splitFrontmatter(head)
	if t := frontmatterTitle(fm); t != "" {
		return t
	}
	if !closed && fm != nil {
		// Frontmatter runs past the bounded read; nothing usable follows it.
		return ""
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#+") {
			if v, ok := orgKeyword(trimmed, "TITLE"); ok && v != "" {
				return v
			}
			continue
		}
		if t := stripHeading(trimmed); t != "" {
			return t
		}
	}
	return ""
}

// Preview returns the bounded head with any frontmatter block removed.
func Preview(head []byte) string {
	head = trimPartialRune(head)
	fm, body, closed := splitFrontmatter(head)
	if fm != nil && !closed {
		return ""
	}
	return strings.TrimLeft(body, "\r\n")
}

// splitFrontmatter separates a leading --- block from the rest. fm is nil when
// the content does not open with a delimiter; closed reports whether the
// closing delimiter was found inside head.
func splitFrontmatter(data []byte) (fm []byte, body string, closed bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim+"\n")) && !bytes.HasPrefix(trimmed, []byte(delim+"\r\n")) {
		return nil, string(data), false
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return rest, "", false
	}
	after := rest[idx+1+len(delim):]
	return rest[:idx], string(after), true
}

func frontmatterTitle(block []byte) string {
	if len(block) == 0 {
		return ""
	}
	var fm map[string]any
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return ""
	}
	if s, ok := fm["title"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// orgKeyword parses "#+KEY: value" case-insensitively.
func orgKeyword(line, key string) (string, bool) {
	body := strings.TrimPrefix(line, "#+")
	name, value, ok := strings.Cut(body, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), key) {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// stripHeading removes markdown '#' and org '*' heading markers.
func stripHeading(line string) string {
	switch {
	case strings.HasPrefix(line, "#"):
		t := strings.TrimLeft(line, "#")
		if t == "" || t[0] == ' ' || t[0] == '\t' {
			return strings.TrimSpace(t)
		}
	case strings.HasPrefix(line, "*"):
		t := strings.TrimLeft(line, "*")
		if t != "" && (t[0] == ' ' || t[0] == '\t') {
			return strings.TrimSpace(t)
		}
	}
	return line
}

// trimPartialRune drops an incomplete UTF-8 sequence left by a bounded read.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}

// Describe derives title and preview from a bounded head read. Title only
// looks at the first TitleReadLimit bytes.
func Describe(head []byte) (title, preview string) {
	if len(head) > PreviewReadLimit {
		head = head[:PreviewReadLimit]
	}
	titleHead := head
	if len(titleHead) > TitleReadLimit {
		titleHead = titleHead[:TitleReadLimit]
	}
	return Title(titleHead), Preview(head)
}
