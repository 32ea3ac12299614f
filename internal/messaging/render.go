package messaging

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{key}} placeholders in s from vars. Unknown keys are
// left as written.
func Render(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// RenderMessage renders the text and quick reply labels of a text message.
// Templates are returned unchanged.
func RenderMessage(m Message, vars map[string]string) Message {
	if m.Kind() == TypeTemplate {
		return m
	}
	out := m
	out.Text = Render(m.Text, vars)
	if len(m.QuickReplies) > 0 {
		out.QuickReplies = make([]string, len(m.QuickReplies))
		for i, label := range m.QuickReplies {
			out.QuickReplies[i] = Render(label, vars)
		}
	}
	return out
}
