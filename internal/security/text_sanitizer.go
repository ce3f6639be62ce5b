package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は外部APIの応答をチャット送信用のプレーンテキストに変換する。
type TextSanitizer interface {
	// Strip は全てのHTMLタグを除去し、エンティティを元の文字に戻す。
	Strip(s string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使用するTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Strip はタグを除去する。<br>は改行として扱う。
func (s *textSanitizer) Strip(text string) string {
	if text == "" {
		return ""
	}
	text = escapeStrayLT(brReplacer.Replace(text))
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}

var brReplacer = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n")

// tagPattern は除去対象として扱うHTMLタグとコメントに一致する。
var tagPattern = regexp.MustCompile(`(?is)<!--.*?-->|</?(?:a|abbr|b|big|blockquote|body|br|center|code|div|em|font|h[1-6]|head|hr|html|i|img|li|meta|ol|p|pre|s|small|span|strike|strong|style|sub|sup|script|table|tbody|td|th|thead|title|tr|tt|u|ul)\b[^<>]*>`)

// escapeStrayLT はタグの開始ではない < を &lt; に置き換える。
// "x<y" や "1 <b 2" のような本文がタグとして切り捨てられないようにする。
func escapeStrayLT(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, loc := range tagPattern.FindAllStringIndex(text, -1) {
		b.WriteString(strings.ReplaceAll(text[last:loc[0]], "<", "&lt;"))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(strings.ReplaceAll(text[last:], "<", "&lt;"))
	return b.String()
}
