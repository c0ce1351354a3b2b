package postmaster

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/models"
)

const defaultBodyLimit = 4000

var (
	brTag    = regexp.MustCompile(`(?i)<br\s*/?>`)
	pClose   = regexp.MustCompile(`(?i)</p>`)
	divClose = regexp.MustCompile(`(?i)</div>`)
	angled   = regexp.MustCompile(`<([^>]+)>`)
)

// BodyText picks the reply text: the plain part when it has content,
// otherwise the HTML part reduced to text. The result is trimmed and cut to
// limit runes.
func BodyText(email *provider.ReceivedEmail, limit int) string {
	if email == nil {
		return ""
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	if text := strings.TrimSpace(email.Text); text != "" {
		return truncateRunes(text, limit)
	}
	if email.HTML == "" {
		return ""
	}
	return truncateRunes(strings.TrimSpace(HTMLToText(email.HTML)), limit)
}

// HTMLToText keeps paragraph and line breaks, drops all markup and decodes
// entities.
func HTMLToText(src string) string {
	s := brTag.ReplaceAllString(src, "\n")
	s = pClose.ReplaceAllString(s, "\n\n")
	s = divClose.ReplaceAllString(s, "\n")
	s = bluemonday.StrictPolicy().Sanitize(s)
	s = html.UnescapeString(s)
	return strings.ReplaceAll(s, "\u00a0", " ")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// SenderAddress extracts the address from "Name <addr>" or returns the
// trimmed input.
func SenderAddress(from string) string {
	if m := angled.FindStringSubmatch(from); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(from)
}

// BuildCommentText renders the comment body:
//
//	Email from Client (sender)
//
//	body
//
//	Attachments: a, b
//
// The sender part is omitted when unknown; the trailer reads
// "No attachments" when names is empty.
func BuildCommentText(sender, body string, names []string) string {
	var b strings.Builder
	b.WriteString(models.AuthorEmailFromClient)
	if sender = strings.TrimSpace(sender); sender != "" {
		b.WriteString(" (")
		b.WriteString(sender)
		b.WriteString(")")
	}
	b.WriteString("\n\n")
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if len(names) > 0 {
		b.WriteString("Attachments: ")
		b.WriteString(strings.Join(names, ", "))
	} else {
		b.WriteString("No attachments")
	}
	return strings.TrimSpace(b.String())
}
