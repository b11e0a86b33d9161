package events_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"workbox"
	"workbox/internal/events"
)

func TestJournalRoundTrip(t *testing.T) {
	j, err := events.OpenJournal(filepath.Join(t.TempDir(), "state", "events.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	j.Emit(workbox.Event{
		Time: base, Type: workbox.EventSessionCreated,
		UserID: "alice", SessionID: "dev", ContainerID: "ctr-0001",
		Outcome: "ok",
	})
	j.Emit(workbox.Event{
		Time: base.Add(time.Minute), Type: workbox.EventCommandFinished,
		UserID: "alice", SessionID: "dev", ContainerID: "ctr-0001",
		Outcome: "ok", Detail: "exit code 0", Duration: 1500 * time.Millisecond,
	})

	got, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}

	// Newest first.
	if got[0].Type != workbox.EventCommandFinished {
		t.Errorf("expected newest first, got %s", got[0].Type)
	}
	if got[0].Duration != 1500*time.Millisecond {
		t.Errorf("duration lost: %v", got[0].Duration)
	}
	if !got[0].Time.Equal(base.Add(time.Minute)) {
		t.Errorf("timestamp lost: %v", got[0].Time)
	}
	if got[1].UserID != "alice" || got[1].SessionID != "dev" {
		t.Errorf("session key lost: %+v", got[1])
	}
}

func TestJournalRecentLimit(t *testing.T) {
	j, err := events.OpenJournal(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	for i := 0; i < 5; i++ {
		j.Emit(workbox.Event{Type: workbox.EventSessionCreated, UserID: "u", SessionID: "s"})
	}

	got, err := j.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected limit of 3, got %d", len(got))
	}
}

func TestJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	j, err := events.OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	j.Emit(workbox.Event{Type: workbox.EventSessionDeleted, UserID: "u", SessionID: "s"})
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, err := events.OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()

	got, err := j2.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Type != workbox.EventSessionDeleted {
		t.Errorf("event not persisted across reopen: %+v", got)
	}
}
