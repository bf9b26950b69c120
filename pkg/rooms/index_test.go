package rooms

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestIndex_JoinLeave(t *testing.T) {
	x := NewIndex()

	if !x.Join("general", "c1") {
		t.Error("Expected first join to report added=true")
	}
	if x.Join("general", "c1") {
		t.Error("Expected repeated join to be idempotent")
	}
	x.Join("general", "c2")

	if got := sorted(x.MembersOf("general")); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("Expected [c1 c2], got %v", got)
	}
	if !x.IsMember("general", "c1") {
		t.Error("Expected c1 to be a member")
	}

	if !x.Leave("general", "c1") {
		t.Error("Expected leave to report removed=true")
	}
	if x.Leave("general", "c1") {
		t.Error("Expected repeated leave to be idempotent")
	}
	if x.IsMember("general", "c1") {
		t.Error("Expected c1 to no longer be a member")
	}

	x.Leave("general", "c2")
	if x.RoomCount() != 0 {
		t.Errorf("Expected empty room to be removed, got %d rooms", x.RoomCount())
	}
	if x.RoomsOf("c2") != nil {
		t.Errorf("Expected no rooms for c2, got %v", x.RoomsOf("c2"))
	}
}

func TestIndex_LeaveAll(t *testing.T) {
	x := NewIndex()
	x.Join("a", "c1")
	x.Join("b", "c1")
	x.Join("b", "c2")

	left := sorted(x.LeaveAll("c1"))
	if len(left) != 2 || left[0] != "a" || left[1] != "b" {
		t.Errorf("Expected [a b], got %v", left)
	}
	if x.RoomCount() != 1 {
		t.Errorf("Expected 1 room left, got %d", x.RoomCount())
	}
	if got := x.MembersOf("b"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("Expected [c2], got %v", got)
	}

	// A concurrent teardown that already cleaned up is a no-op.
	if got := x.LeaveAll("c1"); got != nil {
		t.Errorf("Expected nil for already-removed connection, got %v", got)
	}
	if got := x.LeaveAll("unknown"); got != nil {
		t.Errorf("Expected nil for unknown connection, got %v", got)
	}
}

func TestIndex_AnyMember(t *testing.T) {
	x := NewIndex()
	x.Join("general", "c2")

	if x.AnyMember("general", []string{"c1", "c3"}) {
		t.Error("Expected no member among c1, c3")
	}
	if !x.AnyMember("general", []string{"c1", "c2"}) {
		t.Error("Expected c2 to be found")
	}
	if x.AnyMember("other", []string{"c2"}) {
		t.Error("Expected no member of unknown room")
	}
}

func TestIndex_Counts(t *testing.T) {
	x := NewIndex()
	for i := 0; i < 3; i++ {
		for j := 0; j <= i; j++ {
			x.Join(fmt.Sprintf("room-%d", i), fmt.Sprintf("c%d", j))
		}
	}
	if x.RoomCount() != 3 {
		t.Errorf("Expected 3 rooms, got %d", x.RoomCount())
	}
	if x.TotalMembers() != 6 {
		t.Errorf("Expected 6 memberships, got %d", x.TotalMembers())
	}
}

// TestIndex_SnapshotIsolation verifies that a MembersOf snapshot is unaffected
// by joins and leaves that happen while it is being iterated.
func TestIndex_SnapshotIsolation(t *testing.T) {
	x := NewIndex()
	for i := 0; i < 100; i++ {
		x.Join("general", fmt.Sprintf("c%d", i))
	}

	snap := x.MembersOf("general")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			x.Leave("general", fmt.Sprintf("c%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 100; i < 150; i++ {
			x.Join("general", fmt.Sprintf("c%d", i))
		}
	}()

	seen := make(map[string]int)
	for _, id := range snap {
		seen[id]++
	}
	wg.Wait()

	if len(snap) != 100 {
		t.Fatalf("Expected snapshot of 100, got %d", len(snap))
	}
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("c%d", i)
		if seen[id] != 1 {
			t.Errorf("Expected %s exactly once in snapshot, got %d", id, seen[id])
		}
	}
	if got := len(x.MembersOf("general")); got != 100 {
		t.Errorf("Expected 100 members after concurrent changes, got %d", got)
	}
}

func TestIndex_ConcurrentJoinLeave(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", w)
			for i := 0; i < 200; i++ {
				room := fmt.Sprintf("r%d", i%5)
				x.Join(room, conn)
				x.MembersOf(room)
				if i%3 == 0 {
					x.Leave(room, conn)
				}
			}
			x.LeaveAll(conn)
		}(w)
	}
	wg.Wait()

	if x.RoomCount() != 0 || x.TotalMembers() != 0 {
		t.Errorf("Expected empty index, got %d rooms / %d members", x.RoomCount(), x.TotalMembers())
	}
}
