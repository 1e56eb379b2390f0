// Package dashboard computes per-user statistics over stored convocatorias.
package dashboard

import (
	"math"
	"sort"
	"strings"
	"time"

	"convocatorias/internal/convocatoria"
	"convocatorias/internal/plans"
)

const (
	topOrganizations = 10
	trailingMonths   = 6
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type OrgCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type MonthCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

type Deadline struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Organization  string   `json:"organization"`
	ClosingDate   string   `json:"closing_date"`
	DaysRemaining int      `json:"days_remaining"`
	Priority      Priority `json:"priority"`
}

type PlanUsage struct {
	Tier      plans.Tier `json:"tier"`
	Used      int        `json:"used"`
	Limit     int        `json:"limit"`
	Unlimited bool       `json:"unlimited"`
	Percent   int        `json:"percent"`
}

type Stats struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	TopOrganizations []OrgCount     `json:"top_organizations"`
	Monthly          []MonthCount   `json:"monthly"`
	Upcoming         []Deadline     `json:"upcoming"`
	PlanUsage        PlanUsage      `json:"plan_usage"`
}

// PriorityFor buckets the number of days left before a deadline.
func PriorityFor(days int) Priority {
	switch {
	case days <= 7:
		return PriorityHigh
	case days <= 30:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Aggregate is a pure function of its inputs. freeCap is the free-tier
// record cap used for the plan usage percentage.
func Aggregate(records []convocatoria.Convocatoria, tier plans.Tier, now time.Time, freeCap int) Stats {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stats := Stats{
		Total: len(records),
		ByStatus: map[string]int{
			string(convocatoria.StatusOpen):        0,
			string(convocatoria.StatusClosed):      0,
			string(convocatoria.StatusUnderReview): 0,
			string(convocatoria.StatusFinished):    0,
		},
		TopOrganizations: []OrgCount{},
		Upcoming:         []Deadline{},
	}

	monthIndex := make(map[string]int, trailingMonths)
	firstMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(trailingMonths - 1), 0)
	for i := 0; i < trailingMonths; i++ {
		key := firstMonth.AddDate(0, i, 0).Format("2006-01")
		monthIndex[key] = i
		stats.Monthly = append(stats.Monthly, MonthCount{Month: key})
	}

	orgCounts := make(map[string]int)
	for _, rec := range records {
		status := convocatoria.NormalizeStatus(string(rec.Status))
		if status == "" {
			status = convocatoria.StatusOpen
		}
		stats.ByStatus[string(status)]++

		if org := strings.TrimSpace(rec.Organization); org != "" {
			orgCounts[org]++
		}

		if !rec.CreatedAt.IsZero() {
			if i, ok := monthIndex[rec.CreatedAt.UTC().Format("2006-01")]; ok {
				stats.Monthly[i].Count++
			}
		}

		closing, ok := convocatoria.ParseDate(rec.ClosingDate)
		if !ok || closing.Before(today) {
			continue
		}
		days := int(closing.Sub(today).Hours() / 24)
		stats.Upcoming = append(stats.Upcoming, Deadline{
			ID:            rec.ID,
			Name:          rec.Name,
			Organization:  rec.Organization,
			ClosingDate:   closing.Format(convocatoria.DateLayout),
			DaysRemaining: days,
			Priority:      PriorityFor(days),
		})
	}

	for name, count := range orgCounts {
		stats.TopOrganizations = append(stats.TopOrganizations, OrgCount{Name: name, Count: count})
	}
	sort.Slice(stats.TopOrganizations, func(i, j int) bool {
		a, b := stats.TopOrganizations[i], stats.TopOrganizations[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Name < b.Name
	})
	if len(stats.TopOrganizations) > topOrganizations {
		stats.TopOrganizations = stats.TopOrganizations[:topOrganizations]
	}

	sort.Slice(stats.Upcoming, func(i, j int) bool {
		a, b := stats.Upcoming[i], stats.Upcoming[j]
		if a.DaysRemaining != b.DaysRemaining {
			return a.DaysRemaining < b.DaysRemaining
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	stats.PlanUsage = planUsage(tier, len(records), freeCap)
	return stats
}

func planUsage(tier plans.Tier, used int, freeCap int) PlanUsage {
	usage := PlanUsage{Tier: tier, Used: used}
	if tier.IsPro() || freeCap <= 0 {
		usage.Unlimited = true
		return usage
	}
	usage.Limit = freeCap
	pct := int(math.Round(float64(used) * 100 / float64(freeCap)))
	if pct > 100 {
		pct = 100
	}
	usage.Percent = pct
	return usage
}
