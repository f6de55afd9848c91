package chat

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// DefaultUser is bound when a join carries no usable username.
	DefaultUser = "anon"
	// DefaultRoom is the well-known room that always exists.
	DefaultRoom = "lobby"

	maxNameLen = 40
	maxTextLen = 4000
)

// namePolicy strips every HTML construct from usernames and room names.
var namePolicy = bluemonday.StrictPolicy()

// CleanUsername normalizes a declared username: strip markup and control
// characters, trim, default to "anon", cap at 40 runes. It never fails.
func CleanUsername(s string) string {
	return cleanName(s, DefaultUser)
}

// CleanRoom normalizes a room name the same way, defaulting to "lobby".
// The result never contains NUL, which keeps store keys unambiguous.
func CleanRoom(s string) string {
	return cleanName(s, DefaultRoom)
}

func cleanName(s, fallback string) string {
	// Decode entities first so "<b>x</b>" and "&lt;b&gt;x..." normalize the
	// same way, then strip tags and restore plain text. Control characters
	// are dropped on both sides of the pipeline: raw ones before the HTML
	// tokenizer sees them, entity-encoded ones after decoding.
	s = stripControl(s)
	s = namePolicy.Sanitize(html.UnescapeString(s))
	s = html.UnescapeString(s)
	s = stripControl(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return truncateRunes(s, maxNameLen)
}

// CleanText trims and caps message text. An empty result means the send
// is silently dropped.
func CleanText(s string) string {
	return truncateRunes(strings.TrimSpace(s), maxTextLen)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
