package notify

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
)

// Render substitutes {{name}} placeholders with vars. Unknown placeholders are
// left in place.
func Render(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*4)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k], "{{ "+k+" }}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// renderDigest folds the digest items into the request's text and HTML body.
func renderDigest(req *NotificationRequest) {
	if len(req.Digest) == 0 {
		return
	}
	if req.Subject == "" {
		req.Subject = fmt.Sprintf("%d new alerts", len(req.Digest))
	}

	var text, body strings.Builder
	if req.TextContent != "" {
		text.WriteString(req.TextContent + "\n\n")
	}
	body.WriteString("<ul>")
	for _, item := range req.Digest {
		when := ""
		if !item.OccurredAt.IsZero() {
			when = " (" + item.OccurredAt.UTC().Format(time.RFC3339) + ")"
		}
		fmt.Fprintf(&text, "- %s%s: %s\n", item.Title, when, item.Text)
		fmt.Fprintf(&body, "<li><strong>%s</strong>%s<br>%s</li>",
			html.EscapeString(item.Title), html.EscapeString(when), html.EscapeString(item.Text))
	}
	body.WriteString("</ul>")

	req.TextContent = strings.TrimRight(text.String(), "\n")
	req.HTMLContent = body.String()
}
