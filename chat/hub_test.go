package chat

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

// memStore is an in-memory MessageStore with failure injection.
type memStore struct {
	mu   sync.Mutex
	msgs []Message
	fail bool
}

func (s *memStore) Append(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *memStore) Recent(room string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, limit)
	for _, m := range s.msgs {
		if m.Room == room {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) byRoom(room string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Room == room {
			out = append(out, m)
		}
	}
	return out
}

// fakeSender records every event pushed to one connection.
type fakeSender struct {
	mu     sync.Mutex
	events []ServerEvent
}

func (f *fakeSender) Push(ev ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSender) all() []ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServerEvent(nil), f.events...)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func newTestHub() (*Hub, *memStore) {
	ms := &memStore{}
	return NewHub(ms), ms
}

func TestJoinDeliversHistoryMessageAndRoster(t *testing.T) {
	hub, ms := newTestHub()
	f := &fakeSender{}
	sess := hub.Connect(f)

	hub.Join(sess.ID, "", "")

	events := f.all()
	if len(events) != 3 {
		t.Fatalf("got %d events %v, want history+message+roster", len(events), events)
	}
	if events[0].Type != EventHistory {
		t.Fatalf("first event = %q, want history", events[0].Type)
	}
	if events[0].Messages == nil || len(events[0].Messages) != 0 {
		t.Errorf("history = %v, want empty non-nil", events[0].Messages)
	}
	if events[1].Type != EventMessage || events[1].Message == nil {
		t.Fatalf("second event = %+v, want system message", events[1])
	}
	sys := events[1].Message
	if sys.User != SystemUser || sys.Text != "anon joined lobby" || sys.Room != "lobby" {
		t.Errorf("system message = %+v", sys)
	}
	if events[2].Type != EventRoster || !equalStrings(events[2].Users, []string{"anon"}) {
		t.Errorf("roster event = %+v, want [anon]", events[2])
	}

	stored := ms.byRoom("lobby")
	if len(stored) != 1 || stored[0].ID != sys.ID {
		t.Errorf("store = %v, want the broadcast join message", stored)
	}
}

func TestJoinDeliversExistingHistoryAscending(t *testing.T) {
	hub, ms := newTestHub()
	a := &fakeSender{}
	sa := hub.Connect(a)
	hub.Join(sa.ID, "alice", "dev")
	hub.Send(sa.ID, "hi")
	hub.Send(sa.ID, "hello")

	b := &fakeSender{}
	sb := hub.Connect(b)
	hub.Join(sb.ID, "bob", "dev")

	events := b.all()
	if events[0].Type != EventHistory {
		t.Fatalf("first event = %q, want history", events[0].Type)
	}
	hist := events[0].Messages
	if len(hist) != 3 { // alice joined, hi, hello
		t.Fatalf("history has %d messages: %v", len(hist), hist)
	}
	if hist[1].Text != "hi" || hist[2].Text != "hello" {
		t.Errorf("history order wrong: %v", hist)
	}
	if len(ms.byRoom("dev")) != 4 {
		t.Errorf("store rows = %d, want 4", len(ms.byRoom("dev")))
	}
}

func TestRosterFollowsMembership(t *testing.T) {
	hub, _ := newTestHub()
	a, b := &fakeSender{}, &fakeSender{}
	sa := hub.Connect(a)
	sb := hub.Connect(b)
	hub.Join(sa.ID, "alice", "x")
	hub.Join(sb.ID, "bob", "x")

	events := b.all()
	last := events[len(events)-1]
	if last.Type != EventRoster || !equalStrings(last.Users, []string{"alice", "bob"}) {
		t.Fatalf("roster after both joins = %+v", last)
	}

	b.reset()
	hub.Disconnect(sa.ID)

	events = b.all()
	if len(events) != 2 {
		t.Fatalf("got %d events %v, want left message + roster", len(events), events)
	}
	if events[0].Message == nil || events[0].Message.Text != "alice left x" {
		t.Errorf("left message = %+v", events[0])
	}
	if !equalStrings(events[1].Users, []string{"bob"}) {
		t.Errorf("roster after disconnect = %v, want [bob]", events[1].Users)
	}
}

func TestEmptySendIsDropped(t *testing.T) {
	hub, ms := newTestHub()
	f := &fakeSender{}
	sess := hub.Connect(f)
	hub.Join(sess.ID, "alice", "dev")
	before := len(ms.byRoom("dev"))
	f.reset()

	hub.Send(sess.ID, "   \t  ")

	if got := len(ms.byRoom("dev")); got != before {
		t.Errorf("store grew from %d to %d on empty send", before, got)
	}
	if events := f.all(); len(events) != 0 {
		t.Errorf("empty send produced events: %v", events)
	}
}

func TestSendOrderingWithinRoom(t *testing.T) {
	hub, ms := newTestHub()
	a, b := &fakeSender{}, &fakeSender{}
	sa := hub.Connect(a)
	sb := hub.Connect(b)
	hub.Join(sa.ID, "alice", "dev")
	hub.Join(sb.ID, "bob", "dev")

	hub.Send(sa.ID, "hi")
	hub.Send(sb.ID, "hello")

	msgs := ms.byRoom("dev")
	var texts []string
	for _, m := range msgs {
		if m.User != SystemUser {
			texts = append(texts, m.Text)
		}
	}
	if !equalStrings(texts, []string{"hi", "hello"}) {
		t.Errorf("stored order = %v, want [hi hello]", texts)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].TS < msgs[i-1].TS {
			t.Errorf("timestamps decrease at %d: %v", i, msgs)
		}
	}
}

func TestUnboundSendGoesToLobbyAsAnon(t *testing.T) {
	hub, ms := newTestHub()
	observer := &fakeSender{}
	so := hub.Connect(observer)
	hub.Join(so.ID, "watcher", "lobby")
	observer.reset()

	stranger := &fakeSender{}
	ss := hub.Connect(stranger)
	hub.Send(ss.ID, "yo")

	events := observer.all()
	if len(events) != 1 || events[0].Message == nil {
		t.Fatalf("observer events = %v, want one message", events)
	}
	m := events[0].Message
	if m.User != "anon" || m.Room != "lobby" || m.Text != "yo" {
		t.Errorf("defaulted message = %+v", m)
	}
	// The sender never joined, so it is not a member and receives nothing.
	if events := stranger.all(); len(events) != 0 {
		t.Errorf("stranger received %v", events)
	}
	// And its session stays unbound.
	if sess, _ := hub.Registry().Lookup(ss.ID); sess.Room != "" {
		t.Errorf("stranger got bound to %q", sess.Room)
	}
	if got := len(ms.byRoom("lobby")); got != 2 { // watcher joined + yo
		t.Errorf("lobby store rows = %d, want 2", got)
	}
}

func TestRejoinIsSilentForOldRoom(t *testing.T) {
	hub, _ := newTestHub()
	a, b := &fakeSender{}, &fakeSender{}
	sa := hub.Connect(a)
	sb := hub.Connect(b)
	hub.Join(sa.ID, "alice", "one")
	hub.Join(sb.ID, "bob", "one")
	b.reset()

	hub.Join(sa.ID, "alice", "two")

	if events := b.all(); len(events) != 0 {
		t.Errorf("old room observed %v on rebind, want nothing", events)
	}
	members := hub.Registry().MembersOf("one")
	if len(members) != 1 || members[0] != sb.ID {
		t.Errorf("old room members = %v, want only bob", members)
	}
}

func TestUnboundDisconnectIsNoOp(t *testing.T) {
	hub, ms := newTestHub()
	observer := &fakeSender{}
	so := hub.Connect(observer)
	hub.Join(so.ID, "watcher", "lobby")
	observer.reset()

	stranger := &fakeSender{}
	ss := hub.Connect(stranger)
	hub.Disconnect(ss.ID)

	if events := observer.all(); len(events) != 0 {
		t.Errorf("unbound disconnect produced %v", events)
	}
	if got := len(ms.byRoom("lobby")); got != 1 {
		t.Errorf("lobby store rows = %d, want 1", got)
	}
}

func TestAppendFailureSuppressesBroadcast(t *testing.T) {
	hub, ms := newTestHub()
	f := &fakeSender{}
	sess := hub.Connect(f)
	hub.Join(sess.ID, "alice", "dev")
	f.reset()

	ms.fail = true
	hub.Send(sess.ID, "doomed")

	if events := f.all(); len(events) != 0 {
		t.Errorf("failed append still broadcast %v", events)
	}

	// A join during the outage still delivers history but emits nothing.
	g := &fakeSender{}
	sg := hub.Connect(g)
	hub.Join(sg.ID, "bob", "dev")
	events := g.all()
	if len(events) != 1 || events[0].Type != EventHistory {
		t.Errorf("join during outage events = %v, want history only", events)
	}
}

// arrivalBalance counts the room's system join/leave messages and the
// lowest running joined-minus-left balance over the append order.
func arrivalBalance(msgs []Message, room string) (joined, left, lowest int) {
	balance := 0
	for _, m := range msgs {
		if m.User != SystemUser {
			continue
		}
		switch {
		case strings.HasSuffix(m.Text, " joined "+room):
			joined++
			balance++
		case strings.HasSuffix(m.Text, " left "+room):
			left++
			balance--
		}
		if balance < lowest {
			lowest = balance
		}
	}
	return joined, left, lowest
}

func TestConcurrentDisconnectMatchesEveryJoin(t *testing.T) {
	hub, ms := newTestHub()

	var wg sync.WaitGroup
	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		sess := hub.Connect(&fakeSender{})
		ids = append(ids, sess.ID)
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			hub.Join(id, "mallory", "stress")
		}(sess.ID)
		go func(id string) {
			defer wg.Done()
			hub.Disconnect(id)
		}(sess.ID)
	}
	wg.Wait()

	joined, left, lowest := arrivalBalance(ms.byRoom("stress"), "stress")
	if joined != left {
		t.Errorf("joined=%d left=%d, want every arrival matched by a departure", joined, left)
	}
	if lowest < 0 {
		t.Error("a departure was persisted before its arrival")
	}
	if members := hub.Registry().MembersOf("stress"); len(members) != 0 {
		t.Errorf("room still has members %v after all disconnects", members)
	}
	for _, id := range ids {
		if _, found := hub.Registry().Lookup(id); found {
			t.Fatalf("session %s survived its disconnect", id)
		}
	}
}

func TestConcurrentRebindNeverMisroutesDeparture(t *testing.T) {
	hub, ms := newTestHub()

	var wg sync.WaitGroup
	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		sess := hub.Connect(&fakeSender{})
		ids = append(ids, sess.ID)
		wg.Add(3)
		go func(id string) {
			defer wg.Done()
			hub.Join(id, "mallory", "one")
		}(sess.ID)
		go func(id string) {
			defer wg.Done()
			hub.Join(id, "mallory", "two")
		}(sess.ID)
		go func(id string) {
			defer wg.Done()
			hub.Disconnect(id)
		}(sess.ID)
	}
	wg.Wait()

	// A rebind leaves the old room silently, so arrivals may outnumber
	// departures, but a departure can only follow an arrival in the room
	// the session was actually bound to.
	for _, room := range []string{"one", "two"} {
		joined, left, lowest := arrivalBalance(ms.byRoom(room), room)
		if left > joined {
			t.Errorf("room %s: joined=%d left=%d, departure without arrival", room, joined, left)
		}
		if lowest < 0 {
			t.Errorf("room %s: a departure was persisted before its arrival", room)
		}
		if members := hub.Registry().MembersOf(room); len(members) != 0 {
			t.Errorf("room %s still has members %v after all disconnects", room, members)
		}
	}
	for _, id := range ids {
		if _, found := hub.Registry().Lookup(id); found {
			t.Fatalf("session %s survived its disconnect", id)
		}
	}
}
