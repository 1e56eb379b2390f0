package dashboard

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"convocatorias/internal/convocatoria"
	"convocatorias/internal/plans"
)

var fixedNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func record(id, org, closing string, status convocatoria.Status, created time.Time) convocatoria.Convocatoria {
	return convocatoria.Convocatoria{
		CandidateRecord: convocatoria.CandidateRecord{
			Name:         "Fondo " + id,
			Organization: org,
			ClosingDate:  closing,
			Status:       status,
		},
		ID:        id,
		CreatedAt: created,
	}
}

func sample() []convocatoria.Convocatoria {
	return []convocatoria.Convocatoria{
		record("a", "CORFO", "2025-06-20", convocatoria.StatusOpen, fixedNow.AddDate(0, 0, -3)),
		record("b", "ANID", "2025-07-10", convocatoria.StatusOpen, fixedNow.AddDate(0, -1, 0)),
		record("c", "CORFO", "2025-06-01", convocatoria.StatusClosed, fixedNow.AddDate(0, -2, 0)),
		record("d", "SERCOTEC", "2025-09-30", convocatoria.StatusUnderReview, fixedNow.AddDate(-1, 0, 0)),
		record("e", "ANID", "2025-06-15", "", fixedNow),
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	records := sample()
	first := Aggregate(records, plans.TierFree, fixedNow, 10)
	second := Aggregate(records, plans.TierFree, fixedNow, 10)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical stats:\n%+v\n%+v", first, second)
	}
}

func TestAggregateCounts(t *testing.T) {
	stats := Aggregate(sample(), plans.TierFree, fixedNow, 10)

	if stats.Total != 5 {
		t.Fatalf("expected total 5, got %d", stats.Total)
	}
	if stats.ByStatus["abierto"] != 3 || stats.ByStatus["cerrado"] != 1 || stats.ByStatus["en_evaluacion"] != 1 || stats.ByStatus["finalizado"] != 0 {
		t.Fatalf("unexpected status counts %+v", stats.ByStatus)
	}

	wantOrgs := []OrgCount{{"ANID", 2}, {"CORFO", 2}, {"SERCOTEC", 1}}
	if !reflect.DeepEqual(stats.TopOrganizations, wantOrgs) {
		t.Fatalf("unexpected top organizations %+v", stats.TopOrganizations)
	}

	if len(stats.Monthly) != 6 {
		t.Fatalf("expected 6 monthly buckets, got %d", len(stats.Monthly))
	}
	if stats.Monthly[0].Month != "2025-01" || stats.Monthly[5].Month != "2025-06" {
		t.Fatalf("unexpected month range %s..%s", stats.Monthly[0].Month, stats.Monthly[5].Month)
	}
	if stats.Monthly[5].Count != 2 || stats.Monthly[4].Count != 1 || stats.Monthly[3].Count != 1 {
		t.Fatalf("unexpected monthly counts %+v", stats.Monthly)
	}
}

func TestAggregateUpcomingDeadlines(t *testing.T) {
	stats := Aggregate(sample(), plans.TierFree, fixedNow, 10)

	want := []struct {
		id       string
		days     int
		priority Priority
	}{
		{"e", 0, PriorityHigh},
		{"a", 5, PriorityHigh},
		{"b", 25, PriorityMedium},
		{"d", 107, PriorityLow},
	}
	if len(stats.Upcoming) != len(want) {
		t.Fatalf("expected %d upcoming, got %+v", len(want), stats.Upcoming)
	}
	for i, w := range want {
		got := stats.Upcoming[i]
		if got.ID != w.id || got.DaysRemaining != w.days || got.Priority != w.priority {
			t.Fatalf("upcoming %d: expected %+v, got %+v", i, w, got)
		}
	}
}

func TestAggregateTopOrganizationsLimited(t *testing.T) {
	var records []convocatoria.Convocatoria
	for i := 0; i < 12; i++ {
		records = append(records, record(fmt.Sprint(i), fmt.Sprintf("ORG%02d", i), "2025-01-01", convocatoria.StatusFinished, fixedNow))
	}
	stats := Aggregate(records, plans.TierPro, fixedNow, 10)
	if len(stats.TopOrganizations) != 10 {
		t.Fatalf("expected 10 organizations, got %d", len(stats.TopOrganizations))
	}
	if stats.TopOrganizations[0].Name != "ORG00" {
		t.Fatalf("ties must sort by name, got %s", stats.TopOrganizations[0].Name)
	}
}

func TestPlanUsage(t *testing.T) {
	free := Aggregate(sample(), plans.TierFree, fixedNow, 10)
	if free.PlanUsage.Percent != 50 || free.PlanUsage.Limit != 10 || free.PlanUsage.Unlimited {
		t.Fatalf("unexpected free usage %+v", free.PlanUsage)
	}
	pro := Aggregate(sample(), plans.TierPro, fixedNow, 10)
	if !pro.PlanUsage.Unlimited || pro.PlanUsage.Percent != 0 {
		t.Fatalf("unexpected pro usage %+v", pro.PlanUsage)
	}
}

func TestPriorityFor(t *testing.T) {
	tests := map[int]Priority{0: PriorityHigh, 7: PriorityHigh, 8: PriorityMedium, 30: PriorityMedium, 31: PriorityLow}
	for days, want := range tests {
		if got := PriorityFor(days); got != want {
			t.Fatalf("%d days: expected %s, got %s", days, want, got)
		}
	}
}
