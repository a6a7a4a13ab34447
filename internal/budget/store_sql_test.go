package budget

import (
	"context"
	"testing"
	"time"

	"nftgate/internal/domain"
	"nftgate/internal/storage"
)

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := storage.NewTestDB(t)
	store := NewSQLStore(db.DB)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	recs := []SpendRecord{
		{RequestID: "a", Timestamp: now, Date: "2026-03-10", Provider: domain.ProviderOpenAI, Amount: dec("0.04"), Category: "background", Success: true},
		{RequestID: "b", Timestamp: now.Add(time.Minute), Date: "2026-03-10", Provider: domain.ProviderOpenAI, Amount: dec("0.08"), Success: true},
		{RequestID: "c", Timestamp: now.AddDate(0, 0, -1), Date: "2026-03-09", Provider: domain.ProviderGemini, Amount: dec("0.02"), Success: true},
	}
	for _, r := range recs {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append(%s): %v", r.RequestID, err)
		}
	}

	if err := store.Append(ctx, recs[0]); err == nil {
		t.Error("Expected duplicate request id to fail")
	}

	dayFrom, dayTo := Daily.Bounds(now)
	got, err := store.Sum(ctx, domain.ProviderOpenAI, dayFrom, dayTo)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(dec("0.12")) {
		t.Errorf("Expected 0.12, got %s", got)
	}

	monthFrom, monthTo := Monthly.Bounds(now)
	all, _ := store.Sum(ctx, "", monthFrom, monthTo)
	if !all.Equal(dec("0.14")) {
		t.Errorf("Expected 0.14 across providers, got %s", all)
	}

	byProvider, _ := store.SumByProvider(ctx, monthFrom, monthTo)
	if !byProvider[domain.ProviderGemini].Equal(dec("0.02")) {
		t.Errorf("unexpected per-provider totals %v", byProvider)
	}

	byDate, _ := store.SumByDate(ctx, monthFrom)
	if !byDate["2026-03-09"].Equal(dec("0.02")) || !byDate["2026-03-10"].Equal(dec("0.12")) {
		t.Errorf("unexpected per-date totals %v", byDate)
	}
}

func TestSQLStoreLimits(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(storage.NewTestDB(t).DB)

	if _, ok, err := store.LoadLimits(ctx); err != nil || ok {
		t.Fatalf("Expected no stored limits, got ok=%v err=%v", ok, err)
	}

	want := Limits{
		Providers:        map[domain.ProviderName]ProviderLimit{domain.ProviderOpenAI: {Daily: dec("5"), Monthly: dec("50")}},
		GlobalMonthly:    dec("120.50"),
		WarningThreshold: 75,
	}
	if err := store.SaveLimits(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.LoadLimits(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadLimits: ok=%v err=%v", ok, err)
	}
	if !got.GlobalMonthly.Equal(want.GlobalMonthly) || got.WarningThreshold != 75 {
		t.Errorf("unexpected global settings %+v", got)
	}
	if p := got.Providers[domain.ProviderOpenAI]; !p.Daily.Equal(dec("5")) || !p.Monthly.Equal(dec("50")) {
		t.Errorf("unexpected provider limit %+v", p)
	}
}

func TestSQLStoreAlerts(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(storage.NewTestDB(t).DB)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		a := Alert{Time: base.Add(time.Duration(i) * time.Hour), Type: "budget-warning", Scope: "global", Period: Monthly, Bucket: 80 + i*10, Spend: dec("1"), Limit: dec("2")}
		if err := store.AppendAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	alerts, err := store.Alerts(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 || alerts[0].Bucket != 90 || alerts[1].Period != Monthly {
		t.Errorf("unexpected alerts %+v", alerts)
	}
}

func TestLedgerOverSQLStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(storage.NewTestDB(t).DB)
	l := New(store, Limits{Providers: map[domain.ProviderName]ProviderLimit{
		domain.ProviderOpenAI: {Daily: dec("5")},
	}})

	for i := 0; i < 2; i++ {
		if err := l.RecordSpend(ctx, SpendRecord{Provider: domain.ProviderOpenAI, Amount: dec("2"), Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	d, err := l.CanMakeRequest(ctx, domain.ProviderOpenAI, dec("2"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonDailyLimit {
		t.Errorf("Expected daily denial, got %+v", d)
	}
}
