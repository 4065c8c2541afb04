package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var (
	renderChannels = []domain.NotificationChannel{
		domain.NotificationChannelTelegram,
		domain.NotificationChannelEmail,
	}
	renderTypes = []domain.NotificationType{
		domain.NotificationTypePaymentReminder,
		domain.NotificationTypeLessonReminder,
		domain.NotificationTypeHomeworkAssigned,
		domain.NotificationTypeGeneric,
	}
)

// templateData is what message templates see.
type templateData struct {
	StudentName string
	ScheduledAt time.Time
}

// Renderer renders notifications from templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"formatTime": formatTime,
		"escapeHTML": html.EscapeString,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	for _, channel := range renderChannels {
		for _, typ := range renderTypes {
			name := templateName(channel, typ)
			filename := fmt.Sprintf("templates/%s.tmpl", name)

			content, err := templatesFS.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", filename, err)
			}

			tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", name, err)
			}

			r.templates[name] = tmpl
		}
	}

	return r, nil
}

// Render renders the message for d on channel. Unknown notification types
// use the generic template. Subject is empty for telegram.
func (r *Renderer) Render(channel domain.NotificationChannel, d *Delivery) (subject, body string, err error) {
	typ := d.Notification.Type
	tmpl, ok := r.templates[templateName(channel, typ)]
	if !ok {
		typ = domain.NotificationTypeGeneric
		tmpl, ok = r.templates[templateName(channel, typ)]
		if !ok {
			return "", "", fmt.Errorf("no templates for channel %q", channel)
		}
	}

	data := templateData{ScheduledAt: d.Notification.ScheduledAt}
	if d.StudentName != nil {
		data.StudentName = strings.TrimSpace(*d.StudentName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", tmpl.Name(), err)
	}

	if channel == domain.NotificationChannelEmail {
		subject = renderSubject(typ, data.StudentName)
	}
	return subject, strings.TrimSpace(buf.String()), nil
}

func templateName(channel domain.NotificationChannel, typ domain.NotificationType) string {
	return fmt.Sprintf("%s_%s", channel, typ)
}

func renderSubject(typ domain.NotificationType, studentName string) string {
	var subject string
	switch typ {
	case domain.NotificationTypePaymentReminder:
		subject = "Payment reminder"
	case domain.NotificationTypeLessonReminder:
		subject = "Lesson reminder"
	case domain.NotificationTypeHomeworkAssigned:
		subject = "Homework assigned"
	default:
		return "[TutorDesk] Notification"
	}

	if studentName != "" {
		return fmt.Sprintf("[TutorDesk] %s: %s", subject, titleCase(studentName))
	}
	return "[TutorDesk] " + subject
}

// Template functions

// titleCase builds a caser per call; cases.Caser keeps state and must not
// be shared between goroutines.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
