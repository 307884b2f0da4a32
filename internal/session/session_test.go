package session

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOutbox_Push(t *testing.T) {
	o := NewOutbox("c1", 4)
	require.NoError(t, o.Push([]byte("hello")))

	assert.Equal(t, []byte("hello"), <-o.Frames())
	assert.Equal(t, "c1", o.ConnID())
}

func TestOutbox_PreservesOrder(t *testing.T) {
	o := NewOutbox("c1", 8)
	for i := 0; i < 5; i++ {
		require.NoError(t, o.Push([]byte(fmt.Sprintf("f%d", i))))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("f%d", i), string(<-o.Frames()))
	}
}

func TestOutbox_PushClosed(t *testing.T) {
	o := NewOutbox("c1", 4)
	o.Close()
	assert.True(t, o.IsClosed())
	assert.Error(t, o.Push([]byte("fail")))
}

func TestOutbox_PushFull(t *testing.T) {
	o := NewOutbox("c1", 1)
	require.NoError(t, o.Push([]byte("first")))
	err := o.Push([]byte("overflow"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
}

func TestOutbox_CloseIdempotentAndDrains(t *testing.T) {
	o := NewOutbox("c1", 4)
	require.NoError(t, o.Push([]byte("queued")))
	o.Close()
	o.Close()

	frame, ok := <-o.Frames()
	assert.True(t, ok)
	assert.Equal(t, "queued", string(frame))
	_, ok = <-o.Frames()
	assert.False(t, ok)
}

func TestOutbox_DefaultSize(t *testing.T) {
	o := NewOutbox("c1", 0)
	assert.Equal(t, DefaultOutboxSize, cap(o.frames))
}

func TestRegistry_IdentifyLookupForget(t *testing.T) {
	r := NewRegistry()
	out := NewOutbox("c1", 4)
	require.True(t, r.Attach("c1", out))
	assert.False(t, r.Attach("c1", out), "second attach must be rejected")
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, r.AttachedCount())

	p := r.Identify("c1", "u1", "Alice")
	assert.Equal(t, Participant{ConnID: "c1", UserID: "u1", DisplayName: "Alice"}, p)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.DisplayName)

	assert.Same(t, out, r.Forget("c1"))
	_, ok = r.Lookup("c1")
	assert.False(t, ok)
	assert.False(t, r.Attached("c1"))
	assert.Nil(t, r.Forget("c1"))
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_ReidentifyOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Attach("c1", NewOutbox("c1", 1))
	r.Identify("c1", "u1", "Alice")
	r.Identify("c1", "u2", "Bob")

	got, _ := r.Lookup("c1")
	assert.Equal(t, "Bob", got.DisplayName)
	assert.Equal(t, "u2", got.UserID)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ConnIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c3", "c1", "c2"} {
		r.Attach(id, NewOutbox(id, 1))
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, r.ConnIDs())
}

func TestDirectory_JoinOrderAndNames(t *testing.T) {
	d := NewDirectory()
	assert.False(t, d.Join("r1", "a", "Alice"))
	assert.False(t, d.Join("r1", "b", "Bob"))
	assert.True(t, d.Join("r1", "a", "Alicia"), "rejoin reports prior membership")

	assert.Equal(t, []string{"a", "b"}, d.MembersOf("r1"))
	assert.Equal(t, []string{"Alicia", "Bob"}, d.Names("r1"))
	assert.Equal(t, 1, d.RoomCount())
}

func TestDirectory_RenameOnlyMatchingNames(t *testing.T) {
	d := NewDirectory()
	d.Join("r1", "a", "a")
	d.Join("r2", "a", "Captain")
	d.Join("r3", "a", "a")
	d.Join("r3", "b", "b")

	assert.Equal(t, []string{"r1", "r3"}, d.Rename("a", "a", "Alice"))
	assert.Equal(t, []string{"Alice"}, d.Names("r1"))
	assert.Equal(t, []string{"Captain"}, d.Names("r2"))
	assert.Equal(t, []string{"Alice", "b"}, d.Names("r3"))

	assert.Empty(t, d.Rename("ghost", "ghost", "Nobody"))
}

func TestDirectory_LeaveDeletesEmptyRoom(t *testing.T) {
	d := NewDirectory()
	d.Join("r1", "a", "Alice")

	assert.True(t, d.Leave("r1", "a"))
	assert.False(t, d.Leave("r1", "a"), "second leave is a no-op")
	assert.False(t, d.Exists("r1"))
	assert.Nil(t, d.MembersOf("r1"))
	assert.Empty(t, d.Rooms())
	assert.Empty(t, d.RoomsOf("a"))
}

func TestDirectory_LeaveUnknownRoom(t *testing.T) {
	d := NewDirectory()
	assert.False(t, d.Leave("nope", "a"))
}

func TestDirectory_RoomsOfSorted(t *testing.T) {
	d := NewDirectory()
	d.Join("zeta", "a", "A")
	d.Join("alpha", "a", "A")
	d.Join("mid", "a", "A")
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, d.RoomsOf("a"))
	assert.True(t, d.Contains("mid", "a"))
	assert.False(t, d.Contains("mid", "b"))
}

func TestDirectory_SnapshotIsolation(t *testing.T) {
	d := NewDirectory()
	d.Join("r1", "a", "A")
	snap := d.MembersOf("r1")
	snap[0] = "mutated"
	assert.Equal(t, []string{"a"}, d.MembersOf("r1"))
}

func TestDirectory_ConcurrentJoinLeave(t *testing.T) {
	d := NewDirectory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			d.Join("shared", id, id)
			_ = d.Rooms()
			if i%2 == 0 {
				d.Leave("shared", id)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, d.MembersOf("shared"), 25)
}

// directoryModel is the reference the property test compares against.
type directoryModel struct {
	members map[string][]string
}

func (m *directoryModel) join(room, conn string) {
	for _, c := range m.members[room] {
		if c == conn {
			return
		}
	}
	m.members[room] = append(m.members[room], conn)
}

func (m *directoryModel) leave(room, conn string) {
	list := m.members[room]
	for i, c := range list {
		if c == conn {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.members, room)
		return
	}
	m.members[room] = list
}

func TestPropertyDirectoryMatchesModel(t *testing.T) {
	rooms := []string{"r1", "r2", "r3"}
	conns := []string{"a", "b", "c", "d"}

	rapid.Check(t, func(t *rapid.T) {
		d := NewDirectory()
		model := &directoryModel{members: make(map[string][]string)}

		t.Repeat(map[string]func(*rapid.T){
			"join": func(t *rapid.T) {
				room := rapid.SampledFrom(rooms).Draw(t, "room")
				conn := rapid.SampledFrom(conns).Draw(t, "conn")
				d.Join(room, conn, conn)
				model.join(room, conn)
			},
			"leave": func(t *rapid.T) {
				room := rapid.SampledFrom(rooms).Draw(t, "room")
				conn := rapid.SampledFrom(conns).Draw(t, "conn")
				d.Leave(room, conn)
				model.leave(room, conn)
			},
			"": func(t *rapid.T) {
				// Members are exactly the joined-and-not-left set, in join order.
				for _, room := range rooms {
					got := d.MembersOf(room)
					want := model.members[room]
					if len(got) != len(want) {
						t.Fatalf("room %s: members %v, want %v", room, got, want)
					}
					for i := range got {
						if got[i] != want[i] {
							t.Fatalf("room %s: members %v, want %v", room, got, want)
						}
					}
				}

				// A room is enumerated iff it has members.
				listed := d.Rooms()
				if len(listed) != len(model.members) {
					t.Fatalf("enumerated %d rooms, want %d", len(listed), len(model.members))
				}
				for _, s := range listed {
					if len(s.Members) == 0 {
						t.Fatalf("room %s enumerated with no members", s.ID)
					}
				}

				// Forward and reverse indexes agree.
				for _, conn := range conns {
					var want []string
					for room, members := range model.members {
						for _, m := range members {
							if m == conn {
								want = append(want, room)
							}
						}
					}
					sort.Strings(want)
					got := d.RoomsOf(conn)
					if len(got) != len(want) {
						t.Fatalf("conn %s: rooms %v, want %v", conn, got, want)
					}
					for i := range got {
						if got[i] != want[i] || !d.Contains(got[i], conn) {
							t.Fatalf("conn %s: rooms %v, want %v", conn, got, want)
						}
					}
				}
			},
		})
	})
}
