package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/nexus-agent/internal/agent"
	"github.com/nugget/nexus-agent/internal/llm"
)

//go:embed templates/*.html
var templateFiles embed.FS

// page renders the chat transcript as HTML.
type page struct {
	tmpl *template.Template
	md   goldmark.Markdown
}

// newPage parses the embedded template. Panics on syntax errors so that
// startup fails fast.
func newPage() *page {
	return &page{
		tmpl: template.Must(template.ParseFS(templateFiles, "templates/index.html")),
		// Raw HTML in model output is dropped, not rendered.
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// entry is one rendered message.
type entry struct {
	Class string // user, assistant or observation
	Label string
	Text  string
	HTML  template.HTML
}

type pageData struct {
	Model   string
	Files   []string
	Entries []entry
	Error   string
}

// entries converts the conversation for display. The system prompt is
// omitted and observations are shown verbatim.
func (p *page) entries(msgs []llm.Message) []entry {
	out := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleSystem:
			continue
		case m.Role == llm.RoleUser && strings.HasPrefix(m.Content, agent.ObservationPrefix):
			out = append(out, entry{
				Class: "observation",
				Label: "system",
				Text:  strings.TrimPrefix(m.Content, agent.ObservationPrefix),
			})
		case m.Role == llm.RoleUser:
			out = append(out, entry{Class: "user", Label: "you", HTML: p.markdown(m.Content)})
		default:
			out = append(out, entry{Class: "assistant", Label: "nexus", HTML: p.markdown(m.Content)})
		}
	}
	return out
}

// markdown renders text, falling back to escaped text on failure.
func (p *page) markdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := p.md.Convert([]byte(text), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>")
	}
	return template.HTML(buf.String())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	files, err := s.listFiles()
	if err != nil {
		files = nil
	}
	data := pageData{
		Model:   s.agent.Model(),
		Files:   files,
		Entries: s.page.entries(s.agent.Messages()),
		Error:   s.takeLastError(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.tmpl.Execute(w, data); err != nil {
		s.logger.Error("template render failed", "error", err)
	}
}

// handleChatForm runs one turn from the page's form and redirects back.
func (s *Server) handleChatForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	message := r.PostFormValue("message")
	if strings.TrimSpace(message) != "" {
		if _, err := s.runTurn(r.Context(), message, nil); err != nil {
			s.setLastError(err.Error() + " (is `ollama serve` running?)")
		}
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
