package evaluate

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type flakyStore struct {
	failures int
	inserts  int
}

func (s *flakyStore) Insert(ctx context.Context, rec Record) error {
	s.inserts++
	if s.inserts <= s.failures {
		return errors.New("connection reset")
	}
	return nil
}

type captureFeed struct {
	published []Record
	err       error
}

func (f *captureFeed) Publish(ctx context.Context, rec Record) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, rec)
	return nil
}

func testRecord() Record {
	return Record{
		ID:            "rec-1",
		RequestID:     "req-1",
		LevelReached:  2,
		ClosureRule:   ClosedByMinReached,
		ConfigVersion: "default-v1",
		CreatedAt:     time.Now(),
	}
}

func TestRecordRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{failures: 2}
	feed := &captureFeed{}
	rec := NewRecorder(store, 5, time.Millisecond, zap.NewNop()).
		WithFeed(feed).
		WithSleep(func(time.Duration) {})

	if err := rec.Record(context.Background(), testRecord()); err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if store.inserts != 3 {
		t.Fatalf("inserts = %d, want 3", store.inserts)
	}
	if len(feed.published) != 1 {
		t.Fatalf("expected one feed publication, got %d", len(feed.published))
	}
}

func TestRecordSurfacesExhaustedRetries(t *testing.T) {
	store := &flakyStore{failures: 100}
	rec := NewRecorder(store, 3, time.Millisecond, zap.NewNop()).
		WithSleep(func(time.Duration) {})

	err := rec.Record(context.Background(), testRecord())
	if !errors.Is(err, ErrRecording) {
		t.Fatalf("expected ErrRecording, got %v", err)
	}
	if store.inserts != 3 {
		t.Fatalf("inserts = %d, want 3", store.inserts)
	}
}

func TestFeedFailureDoesNotFailRecording(t *testing.T) {
	store := &flakyStore{}
	feed := &captureFeed{err: errors.New("stream gone")}
	rec := NewRecorder(store, 3, time.Millisecond, zap.NewNop()).
		WithFeed(feed).
		WithSleep(func(time.Duration) {})

	if err := rec.Record(context.Background(), testRecord()); err != nil {
		t.Fatalf("feed failure must not fail recording: %v", err)
	}
}
