package auditlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowd/core/events"
	"escrowd/core/types"
)

func setupSink(t *testing.T) *Sink {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	sink, err := New(db)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	return sink
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestEmitPersistsEvents(t *testing.T) {
	sink := setupSink(t)
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	sink.SetNowFunc(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	for i := 0; i < 3; i++ {
		sink.Emit(events.Wrapped{Evt: &types.Event{
			Type: "operator.release_executed",
			Attributes: map[string]string{
				"paymentHash": "0xabc",
				"amount":      fmt.Sprintf("%d", i),
				"actor":       "0x02",
			},
		}})
	}
	sink.Emit(events.Wrapped{Evt: &types.Event{Type: "escrowperiod.frozen", Attributes: map[string]string{"paymentHash": "0xdef"}}})
	sink.Emit(bareEvent{})

	recent, err := sink.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].Type != "escrowperiod.frozen" || recent[1].Attributes["amount"] != "2" {
		t.Fatalf("unexpected ordering %+v", recent)
	}

	history, err := sink.ByPayment(context.Background(), " 0xABC ")
	if err != nil {
		t.Fatalf("by payment: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries for payment, got %d", len(history))
	}
	if history[0].Attributes["amount"] != "0" || !history[0].RecordedAt.Before(history[2].RecordedAt) {
		t.Fatalf("expected oldest first, got %+v", history)
	}
	if history[0].ID == uuid.Nil {
		t.Fatalf("expected event id to be assigned")
	}
}

func TestRecentDefaultsLimit(t *testing.T) {
	sink := setupSink(t)
	all, err := sink.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty log, got %d", len(all))
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestCloseReleasesConnections(t *testing.T) {
	sink := setupSink(t)
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	sqlDB, err := sink.db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	if err := sqlDB.Ping(); err == nil {
		t.Fatalf("expected ping after close to fail")
	}
	var nilSink *Sink
	if err := nilSink.Close(); err != nil {
		t.Fatalf("nil sink close: %v", err)
	}
}
