package reminders

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/jobs"
)

// DefaultTemplates are the patient-facing message bodies per job type.
var DefaultTemplates = map[jobs.Type]string{
	jobs.TypeConfirmation: "Hola {{.Name}}, tu cita en {{.Clinic}} quedó registrada para el {{.Date}} a las {{.Time}}. " +
		"Tu código de acceso es {{.Code}}. Úsalo para confirmar o cancelar.",
	jobs.TypeReminder24h: "Hola {{.Name}}, te recordamos tu cita en {{.Clinic}} mañana {{.Date}} a las {{.Time}}. " +
		"Confirma tu asistencia con el código {{.Code}}.",
	jobs.TypeReminder1h: "Hola {{.Name}}, tu cita en {{.Clinic}} es hoy a las {{.Time}}. Te esperamos.",
	jobs.TypeFollowUp:   "Hola {{.Name}}, en {{.Clinic}} queremos saber cómo sigues después de tu consulta. Responde este mensaje si necesitas una nueva cita.",
}

// MessageData is what a template can reference.
type MessageData struct {
	Name   string
	Clinic string
	Date   string
	Time   string
	Code   string
}

func newMessageData(name, clinic, code string, start time.Time, loc *time.Location) MessageData {
	local := start.In(loc)
	return MessageData{
		Name:   name,
		Clinic: clinic,
		Date:   local.Format("02/01/2006"),
		Time:   local.Format("15:04"),
		Code:   code,
	}
}

// Renderer compiles message templates once and renders them with strict
// missing-key semantics.
type Renderer struct {
	templates map[jobs.Type]*template.Template
}

// NewRenderer parses every template up front so a typo fails at startup.
func NewRenderer(texts map[jobs.Type]string) (*Renderer, error) {
	r := &Renderer{templates: make(map[jobs.Type]*template.Template, len(texts))}
	for t, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("reminders: template text required for %s", t)
		}
		tmpl, err := template.New(string(t)).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("reminders: parse %s: %w", t, err)
		}
		r.templates[t] = tmpl
	}
	return r, nil
}

// Render produces the body for job type t.
func (r *Renderer) Render(t jobs.Type, data any) (string, error) {
	tmpl, ok := r.templates[t]
	if !ok {
		return "", fmt.Errorf("reminders: no template for %s", t)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("reminders: execute %s: %w", t, err)
	}
	return buf.String(), nil
}
