package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/transcript.html")
	if err != nil {
		// Fallback to built-in template if file not found
		transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for transcript template rendering
type TemplateData struct {
	PropertyLabel string
	OwnerName     string
	ViewerName    string
	CreatedAt     time.Time
	HasNote       bool
	NoteBody      string
	NoteAt        time.Time
	Items         []TemplateItem
}

// TemplateItem holds one transcript entry for the template
type TemplateItem struct {
	IsUnlock   bool
	AuthorName string
	Body       string
	At         time.Time
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.PropertyLabel}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .note { background: #fffbe6; padding: 1rem; margin: 1rem 0; border-left: 3px solid #b58900; font-style: italic; }
    .message { margin: 1rem 0; }
    .author { font-weight: bold; }
    .when { color: #666; font-size: 0.85em; }
    .unlock { color: #444; background: #f0f4f0; padding: 0.5rem 1rem; margin: 1rem 0; border-left: 3px solid #2a6; }
  </style>
</head>
<body>
  <h1>{{.PropertyLabel}}</h1>
  <div class="meta">{{.OwnerName}} and {{.ViewerName}} | started {{formatDate .CreatedAt "Jan 2, 2006"}}</div>
  {{if .HasNote}}
  <div class="note">
    <div class="when">Waiting note, {{formatDate .NoteAt "Jan 2, 2006 15:04"}}</div>
    <div>{{.NoteBody}}</div>
  </div>
  {{end}}
  {{range .Items}}
  {{if .IsUnlock}}
  <div class="unlock">{{.AuthorName}} unlocked the album &ldquo;{{.Body}}&rdquo; <span class="when">{{formatDate .At "Jan 2, 2006 15:04"}}</span></div>
  {{else}}
  <div class="message">
    <span class="author">{{.AuthorName}}</span> <span class="when">{{formatDate .At "Jan 2, 2006 15:04"}}</span>
    <div>{{.Body}}</div>
  </div>
  {{end}}
  {{end}}
</body>
</html>`
