package bridge

import (
	"regexp"
	"strings"
)

// ReplyDivider separates fresh reply text from quoted prior conversation.
// Outbound notifications open with it; the sanitizer truncates at it.
const ReplyDivider = "----------Reply above this line to add a note----------"

var (
	// The fixed external-mail warning banner. Whitespace between words
	// is flexible so the match survives mail clients re-wrapping it
	// across lines.
	securityBannerPattern = regexp.MustCompile(`(?i)Caution:\s*This\s+is\s+an\s+external\s+email\.\s+Please\s+take\s+care\s+when\s+clicking\s+links\s+or\s+opening\s+attachments\.\s+When\s+in\s+doubt,\s+contact\s+your\s+IT\s+Department`)

	replyDividerPattern = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(ReplyDivider))

	// Quoted mail-header block. Deliberately the single-line-tolerant
	// form: thread quoting rarely preserves literal newlines, so the
	// block is matched without crossing lines.
	quotedHeaderPattern = regexp.MustCompile(`(?i)From:.*?Sent:.*?To:.*?Subject:.*`)
)

// SanitizeBody removes mailbox boilerplate from a rendered plain-text
// body: the security banner, everything at and after the reply divider,
// and a quoted From/Sent/To/Subject header block. Each stage is a no-op
// when its pattern is absent, so the function is idempotent.
func SanitizeBody(body string) string {
	body = strings.TrimSpace(securityBannerPattern.ReplaceAllString(body, ""))
	body = strings.TrimSpace(replyDividerPattern.Split(body, 2)[0])
	body = strings.TrimSpace(quotedHeaderPattern.ReplaceAllString(body, ""))
	return body
}
