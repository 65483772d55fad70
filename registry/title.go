package registry

import (
	"regexp"
	"strings"
)

var (
	nonWordChars = regexp.MustCompile(`[^\w]`)
	controlChars = regexp.MustCompile(`[\x00-\x1F\x7F-\x9F]`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// TopicTitle builds a forum topic title from the sender's identity:
// "First Last @username", cleaned of control characters and capped at the
// gateway's 128-character title limit.
func TopicTitle(firstName, lastName, username string) string {
	first := truncateRunes(strings.TrimSpace(firstName), maxNameLength)
	last := truncateRunes(strings.TrimSpace(lastName), maxNameLength)

	name := controlChars.ReplaceAllString(first+" "+last, "")
	name = strings.TrimSpace(multiSpace.ReplaceAllString(name, " "))
	if name == "" {
		name = "User"
	}

	uname := nonWordChars.ReplaceAllString(username, "")
	uname = truncateRunes(uname, 20)
	if uname != "" {
		name += " @" + uname
	}

	return truncateRunes(name, maxTitleLength)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
