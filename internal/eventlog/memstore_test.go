package eventlog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clapper/internal/eventlog"
)

func TestMemStore_AppendAssignsIDs(t *testing.T) {
	t.Parallel()
	s := eventlog.NewMemStore(10)
	ctx := context.Background()

	a, _ := s.Append(ctx, eventlog.Event{Kind: eventlog.KindDoubleClap})
	b, _ := s.Append(ctx, eventlog.Event{Kind: eventlog.KindDoubleClap})

	if a.ID != 1 || b.ID != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", a.ID, b.ID)
	}
	if a.At.IsZero() {
		t.Error("At was not filled in")
	}
}

func TestMemStore_RecentNewestFirst(t *testing.T) {
	t.Parallel()
	s := eventlog.NewMemStore(10)
	ctx := context.Background()
	for i := range 3 {
		_, _ = s.Append(ctx, eventlog.Event{Kind: eventlog.KindDoubleClap, Timestamp: float64(i)})
	}

	got, err := s.Recent(ctx, eventlog.Query{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []float64{2, 1, 0} {
		if got[i].Timestamp != want {
			t.Errorf("got[%d].Timestamp = %v, want %v", i, got[i].Timestamp, want)
		}
	}
}

func TestMemStore_RingOverwritesOldest(t *testing.T) {
	t.Parallel()
	s := eventlog.NewMemStore(3)
	ctx := context.Background()
	for range 5 {
		_, _ = s.Append(ctx, eventlog.Event{Kind: eventlog.KindEngineFault})
	}

	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
	got, _ := s.Recent(ctx, eventlog.Query{})
	ids := []int64{got[0].ID, got[1].ID, got[2].ID}
	if ids[0] != 5 || ids[1] != 4 || ids[2] != 3 {
		t.Errorf("ids = %v, want [5 4 3]", ids)
	}
}

func TestMemStore_Query(t *testing.T) {
	t.Parallel()
	s := eventlog.NewMemStore(20)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	kinds := []eventlog.Kind{
		eventlog.KindDoubleClap,
		eventlog.KindAction,
		eventlog.KindDoubleClap,
		eventlog.KindCalibrationComplete,
		eventlog.KindDoubleClap,
	}
	for i, k := range kinds {
		_, _ = s.Append(ctx, eventlog.Event{Kind: k, At: base.Add(time.Duration(i) * time.Minute)})
	}

	tests := []struct {
		name  string
		query eventlog.Query
		want  []int64
	}{
		{"all", eventlog.Query{}, []int64{5, 4, 3, 2, 1}},
		{"kind", eventlog.Query{Kind: eventlog.KindDoubleClap}, []int64{5, 3, 1}},
		{"limit", eventlog.Query{Limit: 2}, []int64{5, 4}},
		{"since", eventlog.Query{Since: base.Add(3 * time.Minute)}, []int64{5, 4}},
		{"kind and limit", eventlog.Query{Kind: eventlog.KindDoubleClap, Limit: 1}, []int64{5}},
		{"no match", eventlog.Query{Kind: eventlog.KindAction, Since: base.Add(2 * time.Minute)}, []int64{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.Recent(ctx, tc.query)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i].ID != tc.want[i] {
					t.Errorf("got[%d].ID = %d, want %d", i, got[i].ID, tc.want[i])
				}
			}
		})
	}
}

func TestMemStore_ZeroCapacity(t *testing.T) {
	t.Parallel()
	s := eventlog.NewMemStore(0)
	ctx := context.Background()
	_, _ = s.Append(ctx, eventlog.Event{Kind: eventlog.KindEngineFault, Message: "a"})
	_, _ = s.Append(ctx, eventlog.Event{Kind: eventlog.KindEngineFault, Message: "b"})

	got, _ := s.Recent(ctx, eventlog.Query{})
	if len(got) != 1 || got[0].Message != "b" {
		t.Errorf("got %+v, want only the latest event", got)
	}
}

func TestMemStore_Concurrent(t *testing.T) {
	t.Parallel()
	s := eventlog.NewMemStore(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, _ = s.Append(ctx, eventlog.Event{Kind: eventlog.KindDoubleClap})
				_, _ = s.Recent(ctx, eventlog.Query{Limit: 5})
			}
		}()
	}
	wg.Wait()

	if s.Len() != 400 {
		t.Errorf("Len = %d, want 400", s.Len())
	}
	got, _ := s.Recent(ctx, eventlog.Query{Limit: 1})
	if got[0].ID != 400 {
		t.Errorf("latest ID = %d, want 400", got[0].ID)
	}
}
