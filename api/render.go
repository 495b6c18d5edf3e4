package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/finsightlab/finsight/storage"
)

// Message content is model- and user-authored markdown; rendered HTML is
// sanitized before it reaches a browser.
var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	sanitize = bluemonday.UGCPolicy()
)

// renderTranscript writes a session's messages as a standalone HTML page.
func (h *Handler) renderTranscript(w http.ResponseWriter, session *storage.ChatSession, msgs []*storage.ChatMessage) {
	var b bytes.Buffer
	title := session.Title
	if title == "" {
		title = session.ID
	}

	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))

	for _, msg := range msgs {
		fmt.Fprintf(&b, "<section class=\"message %s\">\n<h2>%s</h2>\n",
			html.EscapeString(msg.Role), html.EscapeString(msg.Role))

		var rendered bytes.Buffer
		if err := markdown.Convert([]byte(msg.Content), &rendered); err != nil {
			fmt.Fprintf(&b, "<pre>%s</pre>\n", html.EscapeString(msg.Content))
		} else {
			b.Write(sanitize.SanitizeBytes(rendered.Bytes()))
		}

		if msg.Role == "user" {
			fmt.Fprintf(&b, "<p class=\"status\">%s</p>\n", html.EscapeString(string(msg.Status)))
		}
		b.WriteString("</section>\n")
	}
	b.WriteString("</body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Bytes())
}
