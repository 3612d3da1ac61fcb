package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(v any, layout string) string {
			switch t := v.(type) {
			case time.Time:
				return t.Format(layout)
			case *time.Time:
				if t != nil {
					return t.Format(layout)
				}
			}
			return ""
		},
	}
	transcriptTemplate = template.Must(
		template.New("transcript").Funcs(funcMap).Parse(transcriptTemplateHTML))
}

// TemplateData holds data for transcript template rendering
type TemplateData struct {
	Session  SessionInfo
	Roster   []ParticipantInfo
	Messages []MessageInfo
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const transcriptTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Session {{.Session.ID}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .roster { background: #f5f5f5; padding: 1rem; margin: 1rem 0; }
    .roster li { margin: 0.2rem 0; }
    .message { margin: 0.5rem 0; }
    .message .author { font-weight: bold; }
    .message .time { color: #999; font-size: 0.85em; margin-left: 0.5rem; }
    .empty { color: #666; font-style: italic; }
  </style>
</head>
<body>
  <h1>Shopping Session Transcript</h1>
  <div class="meta">
    Hosted by {{.Session.HostName}}
    {{if .Session.ProductID}} | Product {{.Session.ProductID}}{{end}}
    | Started {{formatDate .Session.CreatedAt "Jan 2, 2006 15:04"}}
    {{if .Session.EndedAt}} | Ended {{formatDate .Session.EndedAt "Jan 2, 2006 15:04"}}{{end}}
    | {{lower .Session.Status}}
  </div>

  {{if .Roster}}
  <h2>Participants</h2>
  <ul class="roster">
    {{range .Roster}}<li>{{.Name}} ({{lower .Role}}), joined {{formatDate .JoinedAt "15:04"}}</li>{{end}}
  </ul>
  {{end}}

  <h2>Chat</h2>
  {{if .Messages}}
  {{range .Messages}}
  <div class="message">
    <span class="author">{{.Author}}</span><span class="time">{{formatDate .SentAt "15:04:05"}}</span>
    <div>{{.Body}}</div>
  </div>
  {{end}}
  {{else}}
  <p class="empty">No messages were sent in this session.</p>
  {{end}}
</body>
</html>`
