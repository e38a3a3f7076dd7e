package storage

import (
	"path/filepath"
	"testing"
)

func testAdapter(t *testing.T, name string, build func(t *testing.T) Adapter) {
	t.Run(name+"_AppendReadCommit", func(t *testing.T) {
		a := build(t)

		if err := a.Append("t/a", [][]byte{[]byte("one"), []byte("two"), []byte("three")}); err != nil {
			t.Fatalf("Append: %v", err)
		}

		recs, err := a.Read("t/a", "g1", 10)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("expected 3 records, got %d", len(recs))
		}
		if string(recs[0].Data) != "one" || string(recs[2].Data) != "three" {
			t.Fatalf("unexpected record contents: %+v", recs)
		}

		if err := a.CommitGroupOffset("t/a", "g1", recs[1].Offset); err != nil {
			t.Fatalf("CommitGroupOffset: %v", err)
		}

		recs2, err := a.Read("t/a", "g1", 10)
		if err != nil {
			t.Fatalf("Read after commit: %v", err)
		}
		if len(recs2) != 1 || string(recs2[0].Data) != "three" {
			t.Fatalf("expected only the record after committed offset, got %+v", recs2)
		}
	})

	t.Run(name+"_CommitIsMonotonicAndIdempotent", func(t *testing.T) {
		a := build(t)
		a.Append("t/a", [][]byte{[]byte("one"), []byte("two")})
		recs, _ := a.Read("t/a", "g1", 10)

		if err := a.CommitGroupOffset("t/a", "g1", recs[1].Offset); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if err := a.CommitGroupOffset("t/a", "g1", recs[0].Offset); err != nil {
			t.Fatalf("commit lower offset: %v", err)
		}

		got, err := a.CommittedOffset("t/a", "g1")
		if err != nil {
			t.Fatalf("CommittedOffset: %v", err)
		}
		if got.Cmp(recs[1].Offset) != 0 {
			t.Fatalf("expected committed offset to stay at the higher value, got %s want %s", got, recs[1].Offset)
		}

		// Replaying the same commit twice must not change reader state.
		if err := a.CommitGroupOffset("t/a", "g1", recs[1].Offset); err != nil {
			t.Fatalf("replay commit: %v", err)
		}
		got2, _ := a.CommittedOffset("t/a", "g1")
		if got2.Cmp(got) != 0 {
			t.Fatalf("replaying commit changed state: %s -> %s", got, got2)
		}
	})

	t.Run(name+"_IndependentGroupsHaveIndependentOffsets", func(t *testing.T) {
		a := build(t)
		a.Append("t/a", [][]byte{[]byte("one"), []byte("two")})
		recs, _ := a.Read("t/a", "g1", 10)

		a.CommitGroupOffset("t/a", "g1", recs[0].Offset)

		g1, _ := a.Read("t/a", "g1", 10)
		g2, _ := a.Read("t/a", "g2", 10)
		if len(g1) != 1 {
			t.Fatalf("g1 should see 1 remaining record, got %d", len(g1))
		}
		if len(g2) != 2 {
			t.Fatalf("g2 should see both records uncommitted, got %d", len(g2))
		}
	})
}

func TestMemoryAdapter(t *testing.T) {
	testAdapter(t, "memory", func(t *testing.T) Adapter {
		return NewMemoryAdapter()
	})
}

func TestBoltAdapter(t *testing.T) {
	testAdapter(t, "bolt", func(t *testing.T) Adapter {
		path := filepath.Join(t.TempDir(), "broker.db")
		a, err := OpenBoltAdapter(path)
		if err != nil {
			t.Fatalf("OpenBoltAdapter: %v", err)
		}
		t.Cleanup(func() { a.Close() })
		return a
	})
}

func TestOffsetBytesRoundTrip(t *testing.T) {
	o := OffsetFromUint64(12345)
	got := OffsetFromBytes(o.Bytes())
	if got.Cmp(o) != 0 {
		t.Fatalf("offset bytes round trip mismatch: %s vs %s", got, o)
	}
}
