package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomchat/internal/models"
	"roomchat/internal/session"
	"roomchat/internal/store"
	"roomchat/internal/testutil"
)

type env struct {
	st      *store.Store
	clock   *testutil.Clock
	dir     *session.Directory
	members *MembershipService
	msgs    *MessageService
	ids     map[string]uint
}

func newEnv(t *testing.T, usernames []string, opts ...Option) *env {
	t.Helper()
	st := testutil.OpenStore(t)
	clock := testutil.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	dir := session.NewDirectory()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	members := NewMembershipService(st, dir, opts...)
	return &env{
		st:      st,
		clock:   clock,
		dir:     dir,
		members: members,
		msgs:    NewMessageService(st, members, dir, opts...),
		ids:     testutil.SeedUsers(t, st, usernames...),
	}
}

func contentsOf(msgs []MessageDTO) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Contents)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreateOneToOne(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()

	view, err := e.members.CreateOneToOne(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CreateOneToOne() error = %v", err)
	}
	if view.ChatRoomName != "alice_bob" {
		t.Errorf("name = %q, want alice_bob", view.ChatRoomName)
	}
	if len(view.Members) != 2 || len(view.Messages) != 0 {
		t.Errorf("members = %d messages = %d", len(view.Members), len(view.Messages))
	}
	room, err := e.st.Room(ctx, view.ChatRoomID)
	if err != nil || room.Kind != models.RoomOneToOne {
		t.Fatalf("room = %+v, err = %v", room, err)
	}
	for _, m := range view.Members {
		if !m.JoinedAt.Equal(view.JoinAt) {
			t.Errorf("member %s joined at %v, want %v", m.Username, m.JoinedAt, view.JoinAt)
		}
	}
}

func TestCreate_Errors(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"one-to-one unknown friend", func() error { _, err := e.members.CreateOneToOne(ctx, "alice", "nobody"); return err }, ErrNotFound},
		{"one-to-one unknown creator", func() error { _, err := e.members.CreateOneToOne(ctx, "nobody", "bob"); return err }, ErrNotFound},
		{"one-to-one blank", func() error { _, err := e.members.CreateOneToOne(ctx, "", "bob"); return err }, ErrInvalidRequest},
		{"one-to-one self", func() error { _, err := e.members.CreateOneToOne(ctx, "alice", "alice"); return err }, ErrInvalidRequest},
		{"group blank name", func() error { _, err := e.members.CreateGroup(ctx, "alice", "  ", nil); return err }, ErrInvalidRequest},
		{"group unknown member", func() error { _, err := e.members.CreateGroup(ctx, "alice", "g", []string{"bob", "ghost"}); return err }, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	rooms, err := e.st.RoomsForUser(ctx, e.ids["alice"])
	if err != nil {
		t.Fatalf("RoomsForUser() error = %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("failed creations left %d rooms behind", len(rooms))
	}
}

func TestCreateGroup_DuplicateMembersCollapse(t *testing.T) {
	e := newEnv(t, []string{"a", "b"})
	view, err := e.members.CreateGroup(context.Background(), "a", "team", []string{"b", "b", "a"})
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if len(view.Members) != 2 {
		t.Errorf("members = %d, want 2", len(view.Members))
	}
}

// Bob leaves a one-to-one room, alice writes to him, and bob comes back seeing
// only what was written from the revival on.
func TestOneToOne_LeaveThenRevivedByMessage(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()

	view, err := e.members.CreateOneToOne(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CreateOneToOne() error = %v", err)
	}
	rid := view.ChatRoomID

	if _, err := e.msgs.Send(ctx, rid, e.ids["alice"], "m1"); err != nil {
		t.Fatalf("Send(m1) error = %v", err)
	}
	before, err := e.msgs.Fetch(ctx, rid, "bob")
	if err != nil || !equalStrings(contentsOf(before), []string{"m1"}) {
		t.Fatalf("bob before leave = %v, err = %v", contentsOf(before), err)
	}

	res, err := e.members.Leave(ctx, rid, "bob")
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if res.Deleted || len(res.Members) != 1 || res.Members[0].Username != "alice" {
		t.Fatalf("leave result = %+v", res)
	}
	m, err := e.st.Membership(ctx, rid, e.ids["bob"])
	if err != nil || m.Active() {
		t.Fatalf("bob's row after leave = %+v, err = %v", m, err)
	}
	rooms, _ := e.members.Rooms(ctx, "bob")
	if len(rooms) != 0 {
		t.Errorf("bob still lists %d rooms", len(rooms))
	}

	e.clock.Advance(time.Minute)
	sent, err := e.msgs.Send(ctx, rid, e.ids["alice"], "m2")
	if err != nil {
		t.Fatalf("Send(m2) error = %v", err)
	}

	m, err = e.st.Membership(ctx, rid, e.ids["bob"])
	if err != nil || !m.Active() {
		t.Fatalf("bob not revived: %+v, err = %v", m, err)
	}
	if !m.JoinedAt.Equal(sent.CreatedAt) {
		t.Errorf("revived joined_at = %v, want %v", m.JoinedAt, sent.CreatedAt)
	}
	if m.ID == 0 {
		t.Error("revived row lost its id")
	}

	bob, err := e.msgs.Fetch(ctx, rid, "bob")
	if err != nil {
		t.Fatalf("Fetch(bob) error = %v", err)
	}
	if !equalStrings(contentsOf(bob), []string{"m2"}) {
		t.Errorf("bob sees %v, want [m2]", contentsOf(bob))
	}
	alice, err := e.msgs.Fetch(ctx, rid, "alice")
	if err != nil {
		t.Fatalf("Fetch(alice) error = %v", err)
	}
	if !equalStrings(contentsOf(alice), []string{"m1", "m2"}) {
		t.Errorf("alice sees %v, want [m1 m2]", contentsOf(alice))
	}
}

func TestOneToOne_OneSideLeavingKeepsRoom(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	view, _ := e.members.CreateOneToOne(ctx, "alice", "bob")

	if _, err := e.members.Leave(ctx, view.ChatRoomID, "alice"); err != nil {
		t.Fatalf("Leave(alice) error = %v", err)
	}
	if _, err := e.st.Room(ctx, view.ChatRoomID); err != nil {
		t.Fatalf("room gone after one side left: %v", err)
	}
	// leaving twice is harmless
	res, err := e.members.Leave(ctx, view.ChatRoomID, "alice")
	if err != nil || res.Deleted {
		t.Fatalf("second Leave(alice) = %+v, err = %v", res, err)
	}

	res, err = e.members.Leave(ctx, view.ChatRoomID, "bob")
	if err != nil {
		t.Fatalf("Leave(bob) error = %v", err)
	}
	if !res.Deleted {
		t.Error("room not deleted after both sides left")
	}
	if _, err := e.st.Room(ctx, view.ChatRoomID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Room() after cascade error = %v", err)
	}
}

func TestGroup_LastLeaveCascades(t *testing.T) {
	e := newEnv(t, []string{"a", "b", "c"})
	ctx := context.Background()

	view, err := e.members.CreateGroup(ctx, "a", "trio", []string{"b", "c"})
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	rid := view.ChatRoomID
	if len(view.Members) != 3 {
		t.Fatalf("members = %d, want 3", len(view.Members))
	}
	if _, err := e.msgs.Send(ctx, rid, e.ids["b"], "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	res, err := e.members.Leave(ctx, rid, "a")
	if err != nil || res.Deleted || len(res.Members) != 2 {
		t.Fatalf("Leave(a) = %+v, err = %v", res, err)
	}
	if _, err := e.st.Membership(ctx, rid, e.ids["a"]); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("group row not pruned: %v", err)
	}
	// no revival in groups
	if revived, err := e.members.ReviveIfNeeded(ctx, rid, e.ids["a"]); err != nil || revived {
		t.Errorf("ReviveIfNeeded(group) = %v, %v", revived, err)
	}

	if _, err := e.members.Leave(ctx, rid, "b"); err != nil {
		t.Fatalf("Leave(b) error = %v", err)
	}
	res, err = e.members.Leave(ctx, rid, "c")
	if err != nil {
		t.Fatalf("Leave(c) error = %v", err)
	}
	if !res.Deleted || len(res.Members) != 0 {
		t.Errorf("last leave = %+v", res)
	}

	if _, err := e.members.Join(ctx, rid, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Join() after cascade error = %v, want ErrNotFound", err)
	}
	rows, err := e.st.MessagesSince(ctx, rid, time.Time{})
	if err != nil || len(rows) != 0 {
		t.Errorf("messages after cascade = %d, err = %v", len(rows), err)
	}
	ms, err := e.st.Memberships(ctx, rid)
	if err != nil || len(ms) != 0 {
		t.Errorf("memberships after cascade = %d, err = %v", len(ms), err)
	}
}

func TestJoin_ReturnsWindowedView(t *testing.T) {
	e := newEnv(t, []string{"a", "b", "outsider"})
	ctx := context.Background()
	view, _ := e.members.CreateGroup(ctx, "a", "g", []string{"b"})
	if _, err := e.msgs.Send(ctx, view.ChatRoomID, e.ids["a"], "first"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := e.members.Join(ctx, view.ChatRoomID, "b")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !got.JoinAt.Equal(view.JoinAt) {
		t.Errorf("JoinAt = %v, want %v", got.JoinAt, view.JoinAt)
	}
	if !equalStrings(contentsOf(got.Messages), []string{"first"}) {
		t.Errorf("messages = %v", contentsOf(got.Messages))
	}

	// Join never adds a membership.
	out, err := e.members.Join(ctx, view.ChatRoomID, "outsider")
	if err != nil {
		t.Fatalf("Join(outsider) error = %v", err)
	}
	if len(out.Messages) != 0 || len(out.Members) != 2 {
		t.Errorf("outsider view = %+v", out)
	}

	tests := []struct {
		name string
		room uint
		user string
		want error
	}{
		{"no room id", 0, "a", ErrInvalidRequest},
		{"no username", view.ChatRoomID, "", ErrInvalidRequest},
		{"unknown room", 9999, "a", ErrNotFound},
		{"unknown user", view.ChatRoomID, "ghost", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.members.Join(ctx, tt.room, tt.user); !errors.Is(err, tt.want) {
				t.Errorf("Join() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVisibleHistory_OnlyFromJoinedAt(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob", "carol"})
	ctx := context.Background()
	view, _ := e.members.CreateOneToOne(ctx, "alice", "bob")
	rid := view.ChatRoomID

	var prev int
	for _, text := range []string{"one", "two", "three"} {
		if _, err := e.msgs.Send(ctx, rid, e.ids["alice"], text); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		got, err := e.members.VisibleHistory(ctx, rid, "bob")
		if err != nil {
			t.Fatalf("VisibleHistory() error = %v", err)
		}
		if len(got) != prev+1 {
			t.Errorf("history grew from %d to %d", prev, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
				t.Errorf("history out of order at %d", i)
			}
		}
		prev = len(got)
	}

	// A user with no row sees nothing.
	got, err := e.members.VisibleHistory(ctx, rid, "carol")
	if err != nil || len(got) != 0 {
		t.Errorf("carol history = %v, err = %v", contentsOf(got), err)
	}
}

func TestVisibleHistory_TombstonedKeepsWindow(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	view, _ := e.members.CreateOneToOne(ctx, "alice", "bob")
	rid := view.ChatRoomID
	if _, err := e.msgs.Send(ctx, rid, e.ids["alice"], "before"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := e.members.Leave(ctx, rid, "bob"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	got, err := e.members.VisibleHistory(ctx, rid, "bob")
	if err != nil || !equalStrings(contentsOf(got), []string{"before"}) {
		t.Errorf("tombstoned history = %v, err = %v", contentsOf(got), err)
	}
}

func TestReviveIfNeeded(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob", "carol"})
	ctx := context.Background()
	view, _ := e.members.CreateOneToOne(ctx, "alice", "bob")
	rid := view.ChatRoomID

	tests := []struct {
		name   string
		prep   func()
		userID uint
		want   bool
	}{
		{"active member untouched", func() {}, e.ids["alice"], false},
		{"tombstone revived", func() { _, _ = e.members.Leave(ctx, rid, "bob") }, e.ids["bob"], true},
		{"second call no-op", func() {}, e.ids["bob"], false},
		{"missing row inserted", func() {}, e.ids["carol"], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.prep()
			got, err := e.members.ReviveIfNeeded(ctx, rid, tt.userID)
			if err != nil {
				t.Fatalf("ReviveIfNeeded() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ReviveIfNeeded() = %v, want %v", got, tt.want)
			}
		})
	}
	if _, err := e.members.ReviveIfNeeded(ctx, 9999, e.ids["bob"]); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReviveIfNeeded(unknown room) error = %v", err)
	}
}

func TestLeave_Errors(t *testing.T) {
	e := newEnv(t, []string{"alice"})
	ctx := context.Background()
	tests := []struct {
		name string
		room uint
		user string
		want error
	}{
		{"no room id", 0, "alice", ErrInvalidRequest},
		{"unknown room", 77, "alice", ErrNotFound},
		{"unknown user", 77, "ghost", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.members.Leave(ctx, tt.room, tt.user); !errors.Is(err, tt.want) {
				t.Errorf("Leave() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRooms_ReportsOnline(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	first, _ := e.members.CreateOneToOne(ctx, "alice", "bob")
	second, _ := e.members.CreateGroup(ctx, "alice", "g", nil)
	e.dir.Register(second.ChatRoomID, &fakeConn{id: "c1"})

	rooms, err := e.members.Rooms(ctx, "alice")
	if err != nil {
		t.Fatalf("Rooms() error = %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("rooms = %d, want 2", len(rooms))
	}
	if rooms[0].RoomID != second.ChatRoomID || rooms[0].Online != 1 {
		t.Errorf("rooms[0] = %+v, want newest with 1 online", rooms[0])
	}
	if rooms[1].RoomID != first.ChatRoomID || rooms[1].Online != 0 {
		t.Errorf("rooms[1] = %+v", rooms[1])
	}
}

func TestLeave_ConcurrentLastMembersCascadeOnce(t *testing.T) {
	e := newEnv(t, []string{"a", "b", "c"})
	ctx := context.Background()
	view, err := e.members.CreateGroup(ctx, "a", "pair", []string{"b"})
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	rid := view.ChatRoomID

	results := make(chan *LeaveResult, 2)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, u := range []string{"a", "b"} {
		wg.Add(1)
		go func(username string) {
			defer wg.Done()
			res, err := e.members.Leave(ctx, rid, username)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(u)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("Leave() error = %v", err)
	}
	deleted := 0
	for res := range results {
		if res.Deleted {
			deleted++
		}
	}
	if deleted != 1 {
		t.Errorf("cascades = %d, want exactly 1", deleted)
	}
	if _, err := e.st.Room(ctx, rid); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("room survived with no active members: %v", err)
	}

	// Nothing can be written into the removed room afterwards.
	if _, err := e.msgs.Send(ctx, rid, e.ids["c"], "late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Send() into removed room error = %v, want ErrNotFound", err)
	}
	if rows, _ := e.st.MessagesSince(ctx, rid, time.Time{}); len(rows) != 0 {
		t.Errorf("messages in removed room = %d", len(rows))
	}
}
