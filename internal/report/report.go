// Package report renders dashboard statistics as a DOCX document.
package report

import (
	"fmt"
	"time"

	"github.com/gingfrederik/docx"

	"convocatorias/internal/dashboard"
)

var priorityOrder = []struct {
	priority dashboard.Priority
	heading  string
	color    string
}{
	{dashboard.PriorityHigh, "Prioridad alta (7 días o menos)", "C00000"},
	{dashboard.PriorityMedium, "Prioridad media (30 días o menos)", "C07000"},
	{dashboard.PriorityLow, "Prioridad baja", "008000"},
}

// WriteDeadlines saves a DOCX with the summary and the upcoming deadlines of
// stats, grouped by priority, to path.
func WriteDeadlines(path, userID string, stats dashboard.Stats, generatedAt time.Time) error {
	f := docx.NewFile()

	f.AddParagraph().AddText("Convocatorias: próximos cierres").Size(20)
	meta := f.AddParagraph().AddText(fmt.Sprintf("Usuario: %s | Generado: %s", userID, generatedAt.UTC().Format("2006-01-02 15:04")))
	meta.Size(10)
	meta.Color("808080")
	f.AddParagraph()

	f.AddParagraph().AddText("Resumen").Size(16)
	f.AddParagraph().AddText(fmt.Sprintf("Total de convocatorias: %d", stats.Total))
	for _, status := range []string{"abierto", "en_evaluacion", "cerrado", "finalizado"} {
		f.AddParagraph().AddText(fmt.Sprintf("- %s: %d", status, stats.ByStatus[status]))
	}
	if stats.PlanUsage.Unlimited {
		f.AddParagraph().AddText("Plan: Pro (sin límite)")
	} else {
		f.AddParagraph().AddText(fmt.Sprintf("Plan: gratuito, %d de %d convocatorias (%d%%)", stats.PlanUsage.Used, stats.PlanUsage.Limit, stats.PlanUsage.Percent))
	}
	f.AddParagraph()

	if len(stats.Upcoming) == 0 {
		f.AddParagraph().AddText("No hay cierres próximos.")
		return f.Save(path)
	}

	for _, group := range priorityOrder {
		var rows []dashboard.Deadline
		for _, d := range stats.Upcoming {
			if d.Priority == group.priority {
				rows = append(rows, d)
			}
		}
		if len(rows) == 0 {
			continue
		}
		heading := f.AddParagraph().AddText(group.heading)
		heading.Size(14)
		heading.Color(group.color)
		for _, d := range rows {
			f.AddParagraph().AddText(d.Name)
			line := f.AddParagraph().AddText(fmt.Sprintf("%s | cierre %s | faltan %d días", d.Organization, d.ClosingDate, d.DaysRemaining))
			line.Size(10)
		}
		f.AddParagraph().AddText("--------------------------------------------------")
	}

	return f.Save(path)
}
