package compose

import (
	"html"
	"regexp"
	"strings"
)

var (
	emptyParagraph = regexp.MustCompile(`(?i)<p(\s[^>]*)?>(\s|&nbsp;|&#160;|<br\s*/?>)*</p>`)
	brRun          = regexp.MustCompile(`(?i)(<br\s*/?>\s*){2,}`)
	classAttr      = regexp.MustCompile(`(?i)\sclass\s*=\s*("[^"]*"|'[^']*')`)
	headOpen       = regexp.MustCompile(`(?i)<head(\s[^>]*)?>`)
	htmlOpen       = regexp.MustCompile(`(?i)<html(\s[^>]*)?>`)

	blockBreak  = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</h[1-6]>|</li>|</tr>`)
	styleBlock  = regexp.MustCompile(`(?is)<(style|script|head)[^>]*>.*?</(style|script|head)>`)
	anyTag      = regexp.MustCompile(`(?s)<[^>]+>`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	inlineSpace = regexp.MustCompile(`[ \t]+`)
)

const normalizeStyleID = "campaign-normalize"

// normalizeCSS hides 1x1 tracking pixels without removing the tags and gives
// paragraphs consistent spacing across clients.
const normalizeCSS = `<style type="text/css" id="` + normalizeStyleID + `">
img[width="1"][height="1"],
img[width="1px"][height="1px"],
img[style*="width:1px"][style*="height:1px"],
img[style*="width: 1px"][style*="height: 1px"] { display: none !important; }
p { margin: 0 0 1em 0; padding: 0; }
</style>
`

// StripEditorArtifacts removes leftovers of rich-text editors: empty
// paragraphs, editor-only class markers and runs of line breaks.
func StripEditorArtifacts(body string) string {
	body = emptyParagraph.ReplaceAllString(body, "")
	body = classAttr.ReplaceAllStringFunc(body, cleanClassAttr)
	body = brRun.ReplaceAllString(body, "<br>")
	return body
}

func cleanClassAttr(attr string) string {
	m := classAttr.FindStringSubmatch(attr)
	if len(m) < 2 {
		return attr
	}
	quote := m[1][:1]
	var kept []string
	for _, c := range strings.Fields(m[1][1 : len(m[1])-1]) {
		if isEditorClass(c) {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return ""
	}
	return ` class=` + quote + strings.Join(kept, " ") + quote
}

func isEditorClass(c string) bool {
	return strings.HasPrefix(c, "ql-") || strings.HasPrefix(c, "Mso") || strings.HasPrefix(c, "mce-")
}

// InjectNormalizeCSS adds the normalization style block once, inside <head>
// when the document has one.
func InjectNormalizeCSS(body string) string {
	if strings.Contains(body, `id="`+normalizeStyleID+`"`) {
		return body
	}
	if loc := headOpen.FindStringIndex(body); loc != nil {
		return body[:loc[1]] + "\n" + normalizeCSS + body[loc[1]:]
	}
	if loc := htmlOpen.FindStringIndex(body); loc != nil {
		return body[:loc[1]] + "\n<head>\n" + normalizeCSS + "</head>" + body[loc[1]:]
	}
	return normalizeCSS + body
}

// HTMLToText derives the text/plain alternative.
func HTMLToText(body string) string {
	s := styleBlock.ReplaceAllString(body, "")
	s = blockBreak.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(l, " "))
	}
	s = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}
