package mail

import (
	"regexp"
	"strings"

	"github.com/nhle/mailpilot/internal/model"
)

// PlainText returns the user-visible text of an email: the text body
// when present, otherwise a plain-text rendering of the HTML body,
// otherwise the subject line.
func PlainText(email *model.Email) string {
	if text := strings.TrimSpace(email.Text); text != "" {
		return text
	}
	if html := strings.TrimSpace(email.HTML); html != "" {
		return stripHTML(html)
	}
	return strings.TrimSpace(email.Subject)
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
