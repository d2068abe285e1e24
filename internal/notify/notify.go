package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"claim-intake-server/internal/db"
)

// Notifier tells the office about a new lead.
type Notifier interface {
	NotifyLead(ctx context.Context, lead db.Lead, transcript []db.Message) error
}

// Multi fans a lead out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyLead(ctx context.Context, lead db.Lead, transcript []db.Message) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyLead(ctx, lead, transcript); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var leadTemplate = template.Must(template.New("lead").Funcs(template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("$%s", groupThousands(int64(v))) },
	"ts":    func(t time.Time) string { return t.In(central()).Format("Jan 2, 2006 3:04 PM MST") },
}).Parse(`New claim lead from website chat
Name: {{or .Lead.Name "-"}}
Phone: {{or .Lead.Phone "-"}}
Email: {{or .Lead.Email "-"}}
{{- if .Lead.VehicleYear}}
Vehicle: {{.Lead.VehicleYear}} {{.Lead.VehicleMake}} {{.Lead.VehicleModel}} {{.Lead.VehicleTrim}}
{{- end}}
{{- if .Lead.EstimatedACV}}
Estimated ACV: {{money .Lead.EstimatedACV}}
{{- end}}
{{- if .Lead.AccidentDate}}
Accident date: {{.Lead.AccidentDate}}
{{- end}}
{{- if .Lead.InsuranceCompany}}
Insurer: {{.Lead.InsuranceCompany}}
{{- end}}
Injured: {{if .Lead.Injured}}yes{{if .Lead.InjuryDescription}} ({{.Lead.InjuryDescription}}){{end}}{{else}}no{{end}}
Received: {{ts .Lead.CreatedAt}}
{{- if .Transcript}}

Transcript:
{{- range .Transcript}}
[{{.Sender}}] {{.Text}}
{{- end}}
{{- end}}
`))

// Subject is the one-line summary used for email subjects.
func Subject(lead db.Lead) string {
	name := lead.Name
	if name == "" {
		name = "Unknown visitor"
	}
	if lead.VehicleYear != 0 {
		return fmt.Sprintf("New lead: %s (%d %s %s)", name, lead.VehicleYear, lead.VehicleMake, lead.VehicleModel)
	}
	return "New lead: " + name
}

// Render formats the lead and its transcript as plain text.
func Render(lead db.Lead, transcript []db.Message) (string, error) {
	var buf bytes.Buffer
	err := leadTemplate.Execute(&buf, struct {
		Lead       db.Lead
		Transcript []db.Message
	}{lead, transcript})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func central() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return time.UTC
	}
	return loc
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + groupThousands(-n)
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
