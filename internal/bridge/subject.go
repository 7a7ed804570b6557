package bridge

import (
	"regexp"
	"strconv"
	"strings"
)

// Leading run of reply/forward tokens, including the localized forms the
// mailbox actually receives. The whole run collapses in one pass.
var replyPrefixPattern = regexp.MustCompile(`(?i)^(?:(?:RE|FW|FWD|回复|转发|回覆|轉寄|轉發):\s*)+`)

// First embedded ticket reference anywhere in the subject, with the
// whitespace in front of it so removal does not leave a double space.
var issueRefPattern = regexp.MustCompile(`\s*#(\d+)`)

// NormalizeSubject strips reply/forward prefixes, extracts and removes the
// first #<digits> ticket reference, and isolates the user-meaningful
// subject text: when the remainder contains a "]" the subject is
// everything after the first "]", trimmed. A zero reference means the
// subject carried none.
//
// Normalization runs exactly once per message. Feeding the output back in
// is stable for realistic subjects (one bracket tag, one reference), but a
// subject whose text itself contains "]" loses another segment on each
// application, matching how the source mailbox handled such subjects.
func NormalizeSubject(raw string) (reference int, clean string) {
	cleaned := strings.TrimSpace(replyPrefixPattern.ReplaceAllString(raw, ""))

	if loc := issueRefPattern.FindStringSubmatchIndex(cleaned); loc != nil {
		if v, err := strconv.Atoi(cleaned[loc[2]:loc[3]]); err == nil {
			reference = v
		}
		cleaned = strings.TrimSpace(cleaned[:loc[0]] + cleaned[loc[1]:])
	}

	if idx := strings.Index(cleaned, "]"); idx >= 0 {
		cleaned = strings.TrimSpace(cleaned[idx+1:])
	}
	return reference, cleaned
}
