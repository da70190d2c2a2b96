package storage

import (
	"path/filepath"
	"testing"
	"time"

	"theftguard/agent/agent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocationHistoryRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if fix, err := s.LastFix(); err != nil || fix != nil {
		t.Fatalf("empty store should return nil fix, got %+v err=%v", fix, err)
	}

	first := &agent.Fix{Latitude: 51.5, Longitude: -0.12, AccuracyM: 30, Source: agent.SourceSatellite, Timestamp: time.Now()}
	second := &agent.Fix{Latitude: 48.85, Longitude: 2.35, AccuracyM: 120, Source: agent.SourceWiFi, Timestamp: time.Now()}
	if err := s.RecordFix(first); err != nil {
		t.Fatalf("RecordFix failed: %v", err)
	}
	if err := s.RecordFix(second); err != nil {
		t.Fatalf("RecordFix failed: %v", err)
	}

	last, err := s.LastFix()
	if err != nil {
		t.Fatalf("LastFix failed: %v", err)
	}
	if last.Latitude != 48.85 || last.Source != agent.SourceWiFi {
		t.Errorf("expected the second fix back, got %+v", last)
	}

	history, err := s.LocationHistory(10)
	if err != nil {
		t.Fatalf("LocationHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].Latitude != 48.85 {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestIPFixesAreNotRecorded(t *testing.T) {
	s := newTestStore(t)

	ip := &agent.Fix{Latitude: 3.14, Longitude: 101.69, Source: agent.SourceIP, Timestamp: time.Now()}
	if err := s.RecordFix(ip); err != nil {
		t.Fatalf("RecordFix failed: %v", err)
	}
	if fix, _ := s.LastFix(); fix != nil {
		t.Errorf("IP fix must not be persisted, got %+v", fix)
	}
}

func TestLocationHistoryPruning(t *testing.T) {
	s := newTestStore(t)
	s.maxLocationRows = 5

	for i := 0; i < 12; i++ {
		fix := &agent.Fix{Latitude: float64(i), Longitude: 0, Source: agent.SourceSatellite, Timestamp: time.Now()}
		if err := s.RecordFix(fix); err != nil {
			t.Fatalf("RecordFix %d failed: %v", i, err)
		}
	}

	history, err := s.LocationHistory(100)
	if err != nil {
		t.Fatalf("LocationHistory failed: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected history pruned to 5 rows, got %d", len(history))
	}
	if history[0].Latitude != 11 {
		t.Errorf("expected newest fix first, got lat %f", history[0].Latitude)
	}
}

func TestWipeJournalExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	started, err := s.BeginWipe("op-1")
	if err != nil || !started {
		t.Fatalf("first BeginWipe should start: started=%v err=%v", started, err)
	}
	started, err = s.BeginWipe("op-1")
	if err != nil {
		t.Fatalf("second BeginWipe errored: %v", err)
	}
	if started {
		t.Error("re-delivered operation id must not start a second job")
	}

	if err := s.FinishWipe("op-1", agent.WipeCompleted, 42, 42, ""); err != nil {
		t.Fatalf("FinishWipe failed: %v", err)
	}
	rec, err := s.WipeRecord("op-1")
	if err != nil {
		t.Fatalf("WipeRecord failed: %v", err)
	}
	if rec.Status != agent.WipeCompleted || rec.ItemsDeleted != 42 {
		t.Errorf("unexpected journal record: %+v", rec)
	}

	if rec, err := s.WipeRecord("missing"); err != nil || rec != nil {
		t.Errorf("missing record should be nil, got %+v err=%v", rec, err)
	}
}

func TestAgentStateKV(t *testing.T) {
	s := newTestStore(t)

	if v, err := s.GetState("device_id"); err != nil || v != "" {
		t.Fatalf("missing key should read empty, got %q err=%v", v, err)
	}
	if err := s.SetState("device_id", "dev-123"); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := s.SetState("device_id", "dev-456"); err != nil {
		t.Fatalf("SetState overwrite failed: %v", err)
	}
	v, err := s.GetState("device_id")
	if err != nil || v != "dev-456" {
		t.Errorf("expected dev-456, got %q err=%v", v, err)
	}
}
