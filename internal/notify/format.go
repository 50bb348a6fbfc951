package notify

import (
	"bytes"
	"html"
	"io"
	"strings"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// SMSMaxLen is the length cap of a formatted SMS body.
const SMSMaxLen = 160

// Message is a request rendered for one channel.
type Message struct {
	NotificationID string
	UserID         string
	Channel        Channel
	Priority       Priority
	To             string
	Subject        string
	Text           string
	HTML           string
	Actions        []Action
	Data           map[string]any
}

// dangerous elements are dropped together with their content.
var dangerous = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Iframe: true, atom.Object: true, atom.Form: true,
}

// voidDangerous elements have no end tag and are dropped alone.
var voidDangerous = map[atom.Atom]bool{
	atom.Embed: true, atom.Link: true, atom.Meta: true, atom.Base: true,
}

// opensSkip reports whether a start tag begins content that must be dropped.
func opensSkip(tt xhtml.TokenType, a atom.Atom) bool {
	return tt == xhtml.StartTagToken && dangerous[a]
}

// StripHTML returns the text content of s with block breaks as newlines.
func StripHTML(s string) string {
	var b strings.Builder
	z := xhtml.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			return collapse(b.String())
		case xhtml.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			tok := z.Token()
			if opensSkip(tok.Type, tok.DataAtom) {
				skip++
			}
			if tok.DataAtom == atom.Br || tok.DataAtom == atom.P || tok.DataAtom == atom.Li {
				b.WriteByte('\n')
			}
		case xhtml.EndTagToken:
			tok := z.Token()
			if dangerous[tok.DataAtom] && skip > 0 {
				skip--
			}
		}
	}
}

// collapse trims each line and drops runs of blank lines.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// truncate cuts s to max runes, ending with "..." when shortened.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}

// FormatSMS renders plain text capped at SMSMaxLen characters.
func FormatSMS(subject, text, htmlBody string) string {
	body := text
	if body == "" {
		body = StripHTML(htmlBody)
	} else {
		body = StripHTML(body)
	}
	if subject != "" {
		body = subject + ": " + body
	}
	return truncate(strings.ReplaceAll(body, "\n", " "), SMSMaxLen)
}

// SanitizeEmailHTML drops dangerous elements, event handler attributes and
// javascript: URLs. Plain text input is escaped and line breaks kept.
func SanitizeEmailHTML(text, htmlBody string) string {
	if htmlBody == "" {
		return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
	}

	var buf bytes.Buffer
	z := xhtml.NewTokenizer(strings.NewReader(htmlBody))
	skip := 0
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			if z.Err() == io.EOF {
				return buf.String()
			}
			return html.EscapeString(StripHTML(htmlBody))
		}
		tok := z.Token()
		switch tt {
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			if dangerous[tok.DataAtom] || voidDangerous[tok.DataAtom] {
				if opensSkip(tt, tok.DataAtom) {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			tok.Attr = safeAttrs(tok.Attr)
			buf.WriteString(tok.String())
		case xhtml.EndTagToken:
			if dangerous[tok.DataAtom] || voidDangerous[tok.DataAtom] {
				if dangerous[tok.DataAtom] && skip > 0 {
					skip--
				}
				continue
			}
			if skip == 0 {
				buf.WriteString(tok.String())
			}
		case xhtml.TextToken:
			if skip == 0 {
				buf.WriteString(tok.String())
			}
		}
	}
}

func safeAttrs(attrs []xhtml.Attribute) []xhtml.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if (key == "href" || key == "src") && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// FormatSlack converts the HTML body into Slack mrkdwn: strong and b become
// *bold*, em and i become _italic_, br becomes a newline and links <url|text>.
func FormatSlack(text, htmlBody string) string {
	if htmlBody == "" {
		return text
	}

	var b strings.Builder
	z := xhtml.NewTokenizer(strings.NewReader(htmlBody))
	skip := 0
	var href string
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			return collapse(b.String())
		}
		tok := z.Token()
		switch tt {
		case xhtml.TextToken:
			if skip == 0 {
				b.WriteString(tok.Data)
			}
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			switch tok.DataAtom {
			case atom.Strong, atom.B:
				b.WriteByte('*')
			case atom.Em, atom.I:
				b.WriteByte('_')
			case atom.Br:
				b.WriteByte('\n')
			case atom.P, atom.Li:
				b.WriteByte('\n')
			case atom.A:
				for _, a := range tok.Attr {
					if a.Key == "href" {
						href = a.Val
					}
				}
				if href != "" {
					b.WriteString("<" + href + "|")
				}
			default:
				if opensSkip(tt, tok.DataAtom) {
					skip++
				}
			}
		case xhtml.EndTagToken:
			switch tok.DataAtom {
			case atom.Strong, atom.B:
				b.WriteByte('*')
			case atom.Em, atom.I:
				b.WriteByte('_')
			case atom.A:
				if href != "" {
					b.WriteByte('>')
					href = ""
				}
			default:
				if dangerous[tok.DataAtom] && skip > 0 {
					skip--
				}
			}
		}
	}
}

// Format renders req for channel c.
func Format(req *NotificationRequest, c Channel) Message {
	msg := Message{
		NotificationID: req.NotificationID,
		UserID:         req.UserID,
		Channel:        c,
		Priority:       req.Priority,
		Subject:        req.Subject,
		Actions:        req.Actions,
	}
	switch c {
	case ChannelSMS:
		msg.Text = FormatSMS(req.Subject, req.TextContent, req.HTMLContent)
	case ChannelEmail:
		msg.Text = req.TextContent
		if msg.Text == "" {
			msg.Text = StripHTML(req.HTMLContent)
		}
		msg.HTML = SanitizeEmailHTML(req.TextContent, req.HTMLContent)
	case ChannelSlack:
		msg.Text = FormatSlack(req.TextContent, req.HTMLContent)
	default:
		msg.Text = req.TextContent
		if msg.Text == "" {
			msg.Text = StripHTML(req.HTMLContent)
		}
		msg.Data = req.StructuredContent
	}
	return msg
}
