package history

import (
	"testing"
	"time"

	"github.com/dsmesh/mesh/internal/wire"
)

func mustAppend(t *testing.T, w *WriterHistory, value interface{}, event wire.Event, tag string, now time.Time) wire.Sample {
	t.Helper()
	s, err := w.Publish(value, event, tag, wire.NodeID{Name: "writer"}, now)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return s
}

// publishLifecycle replays the six-event key lifecycle exercised throughout
// the retention-by-count scenarios: Add(value1), Update(value2), Remove,
// Add(value3), Update(value4), Remove.
func publishLifecycle(t *testing.T, w *WriterHistory, base time.Time) {
	t.Helper()
	mustAppend(t, w, "value1", wire.Add, "", base)
	mustAppend(t, w, "value2", wire.Update, "", base.Add(60*time.Millisecond))
	mustAppend(t, w, nil, wire.Remove, "", base.Add(120*time.Millisecond))
	mustAppend(t, w, "value3", wire.Add, "", base.Add(180*time.Millisecond))
	mustAppend(t, w, "value4", wire.Update, "", base.Add(240*time.Millisecond))
	mustAppend(t, w, nil, wire.Remove, "", base.Add(300*time.Millisecond))
}

func TestWriterRetentionByCount(t *testing.T) {
	base := time.Unix(0, 0)

	cases := []struct {
		name     string
		maxCount int
		clear    wire.ClearHistoryPolicy
		want     []interface{}
	}{
		{"keep-all", -1, wire.ClearNever, []interface{}{"value1", "value2", nil, "value3", "value4", nil}},
		{"keep-4", 4, wire.ClearNever, []interface{}{nil, "value3", "value4", nil}},
		{"keep-last-instance", -1, wire.ClearOnAdd, []interface{}{"value3", "value4", nil}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWriterHistory(wire.RetentionPolicy{MaxCount: tc.maxCount, ClearHistory: tc.clear}, nil)
			publishLifecycle(t, w, base)
			got := w.Snapshot()
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d (%v)", len(got), len(tc.want), got)
			}
			for i, s := range got {
				if s.Value != tc.want[i] {
					t.Errorf("sample %d value = %v, want %v", i, s.Value, tc.want[i])
				}
			}
		})
	}
}

func TestReaderRetentionByCount(t *testing.T) {
	base := time.Unix(0, 0)
	w := NewWriterHistory(wire.DefaultRetentionPolicy(), nil)
	// producer keeps everything (clearHistory=Never, sampleCount unbounded),
	// not the topic-level default, which clears on Add.
	w = NewWriterHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearNever}, nil)
	publishLifecycle(t, w, base)
	producerSnapshot := w.Snapshot()
	now := base.Add(time.Hour)

	t.Run("keep-all-never", func(t *testing.T) {
		r := NewReaderHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearNever}, 0)
		got := r.Replay(producerSnapshot, now)
		want := []interface{}{"value1", "value2", nil, "value3", "value4", nil}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i, s := range got {
			if s.Value != want[i] {
				t.Errorf("sample %d = %v, want %v", i, s.Value, want[i])
			}
		}
	})

	t.Run("sample-count-4-no-promotion-of-remove", func(t *testing.T) {
		r := NewReaderHistory(wire.RetentionPolicy{MaxCount: 4, ClearHistory: wire.ClearNever}, 0)
		got := r.Replay(producerSnapshot, now)
		if len(got) != 4 {
			t.Fatalf("len = %d, want 4: %v", len(got), got)
		}
		if got[0].Event != wire.Remove {
			t.Errorf("sample 0 event = %v, want Remove (a Remove at the truncation boundary is not reclassified)", got[0].Event)
		}
		want := []interface{}{nil, "value3", "value4", nil}
		for i, s := range got {
			if s.Value != want[i] {
				t.Errorf("sample %d = %v, want %v", i, s.Value, want[i])
			}
		}
	})

	t.Run("clear-on-add-keeps-last-instance", func(t *testing.T) {
		r := NewReaderHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearOnAdd}, 0)
		got := r.Replay(producerSnapshot, now)
		want := []interface{}{"value3", "value4", nil}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d: %v", len(got), len(want), got)
		}
		for i, s := range got {
			if s.Value != want[i] {
				t.Errorf("sample %d = %v, want %v", i, s.Value, want[i])
			}
		}
	})
}

// TestReaderSampleLifetime: a reader with a 150ms lifetime filter only
// sees samples timestamped within the last 150ms, even though the writer
// retains more.
func TestReaderSampleLifetime(t *testing.T) {
	base := time.Unix(0, 0)
	w := NewWriterHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearNever}, nil)
	publishLifecycle(t, w, base)
	producerSnapshot := w.Snapshot()

	// now is far enough past the first three samples (value1, value2,
	// Remove) that only the last three fall inside the 150ms window.
	now := base.Add(310 * time.Millisecond)

	r := NewReaderHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearNever}, 150*time.Millisecond)
	got := r.Replay(producerSnapshot, now)
	want := []interface{}{"value3", "value4", nil}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d: %v", len(got), len(want), got)
	}
	for i, s := range got {
		if s.Value != want[i] {
			t.Errorf("sample %d = %v, want %v", i, s.Value, want[i])
		}
		if now.Sub(s.Timestamp) > 150*time.Millisecond {
			t.Errorf("sample %d timestamp %v outside 150ms window", i, s.Timestamp)
		}
	}
}

// TestClearHistoryMatrix directly exercises the five ClearHistoryPolicy
// variants against a mixed Add/Update/PartialUpdate/Remove sequence. OnAll
// is the one policy a PartialUpdate clears under; OnAllExceptPartialUpdate
// differs from it exactly there.
func TestClearHistoryMatrix(t *testing.T) {
	base := time.Unix(0, 0)
	reducers := map[string]wire.Reducer{
		"concat": func(current, delta interface{}) interface{} {
			if current == nil {
				return delta
			}
			return current.(string) + delta.(string)
		},
	}

	build := func(policy wire.ClearHistoryPolicy) []wire.Sample {
		w := NewWriterHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: policy}, reducers)
		mustAppend(t, w, "a", wire.Add, "", base)
		mustAppend(t, w, "b", wire.Update, "", base.Add(time.Millisecond))
		mustAppend(t, w, "x", wire.PartialUpdate, "concat", base.Add(2*time.Millisecond))
		mustAppend(t, w, nil, wire.Remove, "", base.Add(3*time.Millisecond))
		mustAppend(t, w, "c", wire.Add, "", base.Add(4*time.Millisecond))
		mustAppend(t, w, "y", wire.PartialUpdate, "concat", base.Add(5*time.Millisecond))
		return w.Snapshot()
	}

	cases := []struct {
		policy wire.ClearHistoryPolicy
		want   int
	}{
		{wire.ClearNever, 6},
		{wire.ClearOnAdd, 2},    // cleared at the second Add; keeps Add(c), PartialUpdate(y)
		{wire.ClearOnRemove, 3}, // cleared at Remove; keeps Remove, Add(c), PartialUpdate(y)
		{wire.ClearOnAll, 1},    // every sample clears; keeps PartialUpdate(y) alone
		{wire.ClearOnAllExceptPartialUpdate, 2}, // cleared at the second Add; keeps Add(c), PartialUpdate(y)
	}

	for _, tc := range cases {
		got := build(tc.policy)
		if len(got) != tc.want {
			t.Errorf("policy %v: len = %d, want %d: %v", tc.policy, len(got), tc.want, got)
		}
	}
}

// TestReaderClearHistoryVariants replays one producer backlog into readers
// configured with each of the five clear-history policies: the same
// history yields 9, 5, 6, 1 and 4 unread samples under Never, OnAdd,
// OnRemove, OnAll and OnAllExceptPartialUpdate respectively.
func TestReaderClearHistoryVariants(t *testing.T) {
	base := time.Unix(0, 0)
	reducers := map[string]wire.Reducer{
		"concat": func(current, delta interface{}) interface{} {
			if current == nil {
				return delta
			}
			return current.(string) + delta.(string)
		},
	}

	w := NewWriterHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearNever}, reducers)
	mustAppend(t, w, "a", wire.Add, "", base)
	mustAppend(t, w, "b", wire.Update, "", base.Add(time.Millisecond))
	mustAppend(t, w, "1", wire.PartialUpdate, "concat", base.Add(2*time.Millisecond))
	mustAppend(t, w, nil, wire.Remove, "", base.Add(3*time.Millisecond))
	mustAppend(t, w, "value", wire.Add, "", base.Add(4*time.Millisecond))
	mustAppend(t, w, "value0", wire.Update, "", base.Add(5*time.Millisecond))
	mustAppend(t, w, "1", wire.PartialUpdate, "concat", base.Add(6*time.Millisecond))
	mustAppend(t, w, "2", wire.PartialUpdate, "concat", base.Add(7*time.Millisecond))
	mustAppend(t, w, "3", wire.PartialUpdate, "concat", base.Add(8*time.Millisecond))
	snapshot := w.Snapshot()
	if len(snapshot) != 9 {
		t.Fatalf("producer snapshot len = %d, want 9", len(snapshot))
	}
	now := base.Add(time.Hour)

	cases := []struct {
		policy wire.ClearHistoryPolicy
		want   int
	}{
		{wire.ClearNever, 9},
		{wire.ClearOnAdd, 5},    // from the last Add on
		{wire.ClearOnRemove, 6}, // from the last Remove on
		{wire.ClearOnAll, 1},    // the final sample alone
		{wire.ClearOnAllExceptPartialUpdate, 4}, // the last full value plus its partial updates
	}

	for _, tc := range cases {
		r := NewReaderHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: tc.policy}, 0)
		got := r.Replay(snapshot, now)
		if len(got) != tc.want {
			t.Errorf("policy %v: unread = %d, want %d: %v", tc.policy, len(got), tc.want, got)
			continue
		}
		if r.Snapshot()[0].Seq != got[0].Seq {
			t.Errorf("policy %v: retained history and unread queue disagree on the oldest sample", tc.policy)
		}
	}

	t.Run("partial-updates-arrive-materialized", func(t *testing.T) {
		r := NewReaderHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearOnAllExceptPartialUpdate}, 0)
		got := r.Replay(snapshot, now)
		want := []interface{}{"value0", "value01", "value012", "value0123"}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i, s := range got {
			if s.Value != want[i] {
				t.Errorf("sample %d value = %v, want %v", i, s.Value, want[i])
			}
		}
	})
}

// TestLateJoinPartialUpdatePromotion: a writer
// publishes Add(12), then two PartialUpdates (15, 18) via a reducer that
// replaces the price outright. A full-history late joiner still sees the
// PartialUpdate events with their materialized (reduced) values; a joiner
// whose sample count truncates the replay sees its oldest delivered
// PartialUpdate promoted to Update.
func TestLateJoinPartialUpdatePromotion(t *testing.T) {
	base := time.Unix(0, 0)
	reducers := map[string]wire.Reducer{
		"price": func(_, delta interface{}) interface{} { return delta.(float32) },
	}
	w := NewWriterHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearNever}, reducers)
	mustAppend(t, w, float32(12), wire.Add, "", base)
	mustAppend(t, w, float32(15), wire.PartialUpdate, "price", base.Add(time.Millisecond))
	mustAppend(t, w, float32(18), wire.PartialUpdate, "price", base.Add(2*time.Millisecond))
	snapshot := w.Snapshot()
	now := base.Add(time.Hour)

	full := NewReaderHistory(wire.RetentionPolicy{MaxCount: -1, ClearHistory: wire.ClearNever}, 0)
	got := full.Replay(snapshot, now)
	if len(got) != 3 {
		t.Fatalf("full replay len = %d, want 3", len(got))
	}
	wantEvents := []wire.Event{wire.Add, wire.PartialUpdate, wire.PartialUpdate}
	wantValues := []float32{12, 15, 18}
	for i, s := range got {
		if s.Event != wantEvents[i] {
			t.Errorf("sample %d event = %v, want %v", i, s.Event, wantEvents[i])
		}
		if s.Value.(float32) != wantValues[i] {
			t.Errorf("sample %d value = %v, want %v", i, s.Value, wantValues[i])
		}
	}

	limited := NewReaderHistory(wire.RetentionPolicy{MaxCount: 2, ClearHistory: wire.ClearNever}, 0)
	gotLimited := limited.Replay(snapshot, now)
	if len(gotLimited) != 2 {
		t.Fatalf("limited replay len = %d, want 2", len(gotLimited))
	}
	if gotLimited[0].Event != wire.Update || gotLimited[0].Value.(float32) != 15 {
		t.Errorf("sample 0 = %+v, want Update(15) (reclassified since the Add fell out of range)", gotLimited[0])
	}
	if gotLimited[1].Event != wire.PartialUpdate || gotLimited[1].Value.(float32) != 18 {
		t.Errorf("sample 1 = %+v, want PartialUpdate(18)", gotLimited[1])
	}
}

func TestWriterHistoryMissingReducer(t *testing.T) {
	w := NewWriterHistory(wire.DefaultRetentionPolicy(), nil)
	_, err := w.Publish("delta", wire.PartialUpdate, "unknown", wire.NodeID{Name: "w"}, time.Unix(0, 0))
	if err != wire.ErrMissingReducer {
		t.Fatalf("err = %v, want ErrMissingReducer", err)
	}
}

func TestReaderHistoryFeedDropsDuplicateSeq(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReaderHistory(wire.DefaultRetentionPolicy(), 0)
	origin := wire.NodeID{Name: "w"}
	s1 := wire.Sample{Value: "a", Event: wire.Add, Origin: origin, Seq: 1, Timestamp: now}
	s2 := wire.Sample{Value: "a-again", Event: wire.Update, Origin: origin, Seq: 1, Timestamp: now}

	if _, ok, _ := r.Feed(s1, now); !ok {
		t.Fatal("first sample should be retained")
	}
	if _, ok, _ := r.Feed(s2, now); ok {
		t.Fatal("same-seq duplicate should be dropped")
	}
	if got := r.Snapshot(); len(got) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(got))
	}
}
