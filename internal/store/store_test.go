package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// journal is what both implementations offer.
type journal interface {
	InsertEvent(*Event) (int64, error)
	ListEvents(int) ([]*Event, error)
	PruneEvents(time.Time) (int64, error)
	UpsertBackend(*Backend) error
	SetBackendAvailable(string, int, bool) error
	ListBackends() ([]*Backend, error)
	Close() error
}

// implementations leaves out SQLite when the driver was built without cgo.
func implementations(t *testing.T) map[string]journal {
	t.Helper()
	out := map[string]journal{"memory": NewMemory(10)}
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	switch {
	case err == nil:
		out["sqlite"] = db
	case strings.Contains(err.Error(), "CGO_ENABLED=0"):
		t.Log("sqlite3 driver built without cgo; testing memory journal only")
	default:
		t.Fatal(err)
	}
	return out
}

func TestJournalEvents(t *testing.T) {
	for name, j := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			defer j.Close()
			base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
			kinds := []string{"connected_tcp", "portlist_received", "connection_lost"}
			for i, k := range kinds {
				id, err := j.InsertEvent(&Event{
					Attempt:    "a1",
					Kind:       k,
					State:      "unconnected",
					Descriptor: "h:7000:A",
					At:         base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatal(err)
				}
				if id != int64(i+1) {
					t.Fatalf("id = %d, want %d", id, i+1)
				}
			}

			got, err := j.ListEvents(2)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Kind != "connection_lost" || got[1].Kind != "portlist_received" {
				t.Fatalf("ListEvents(2) = %+v", got)
			}
			if !got[0].At.Equal(base.Add(2 * time.Minute)) {
				t.Fatalf("At = %v", got[0].At)
			}

			n, err := j.PruneEvents(base.Add(90 * time.Second))
			if err != nil {
				t.Fatal(err)
			}
			if n != 2 {
				t.Fatalf("pruned %d, want 2", n)
			}
			rest, _ := j.ListEvents(10)
			if len(rest) != 1 || rest[0].Kind != "connection_lost" {
				t.Fatalf("after prune = %+v", rest)
			}
		})
	}
}

func TestJournalBackends(t *testing.T) {
	for name, j := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			defer j.Close()
			seen := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
			if err := j.UpsertBackend(&Backend{Host: "h", TCPPort: 7000, ProtocolVersion: 5, PortCount: 1, LastSeen: seen, Available: true}); err != nil {
				t.Fatal(err)
			}
			if err := j.UpsertBackend(&Backend{Host: "h", TCPPort: 7000, ProtocolVersion: 5, PortCount: 3, LastSeen: seen.Add(time.Minute), Available: true}); err != nil {
				t.Fatal(err)
			}
			if err := j.SetBackendAvailable("h", 7000, false); err != nil {
				t.Fatal(err)
			}
			if err := j.SetBackendAvailable("other", 1, false); !errors.Is(err, ErrNotFound) {
				t.Fatalf("unknown backend: err = %v", err)
			}

			bs, err := j.ListBackends()
			if err != nil {
				t.Fatal(err)
			}
			if len(bs) != 1 {
				t.Fatalf("backends = %+v", bs)
			}
			b := bs[0]
			if b.PortCount != 3 || b.Available || !b.LastSeen.Equal(seen.Add(time.Minute)) {
				t.Fatalf("backend = %+v", b)
			}
		})
	}
}

func TestMemoryRingCapacity(t *testing.T) {
	m := NewMemory(3)
	for i := 0; i < 5; i++ {
		if _, err := m.InsertEvent(&Event{Kind: "k"}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := m.ListEvents(10)
	if len(got) != 3 || got[0].ID != 5 || got[2].ID != 3 {
		ids := make([]int64, 0, len(got))
		for _, e := range got {
			ids = append(ids, e.ID)
		}
		t.Fatalf("ids = %v, want [5 4 3]", ids)
	}
}
