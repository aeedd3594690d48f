// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/hyperletter/hyperletter/letter"
)

type fakeChannel struct {
	name  string
	alive bool

	mu       sync.Mutex
	received []*letter.Letter
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, alive: true}
}

func (f *fakeChannel) Enqueue(l *letter.Letter) bool {
	if !f.alive {
		return false
	}
	f.mu.Lock()
	f.received = append(f.received, l)
	f.mu.Unlock()
	return true
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestUnicastMatchesOneReadyChannelFIFO(t *testing.T) {
	var discarded []*letter.Letter
	d := New(nil, func(l *letter.Letter) { discarded = append(discarded, l) })
	defer d.Close()

	a := newFakeChannel("a")
	b := newFakeChannel("b")
	d.ChannelReady(a)
	d.ChannelReady(b)

	l1 := letter.New(letter.User, 0, letter.UserPart([]byte("1")))
	l2 := letter.New(letter.User, 0, letter.UserPart([]byte("2")))
	d.Enqueue(l1)
	d.Enqueue(l2)

	waitUntil(t, time.Second, func() bool { return a.count() == 1 && b.count() == 1 })
	if a.received[0] != l1 {
		t.Error("expected the first ready channel to receive the first letter")
	}
	if b.received[0] != l2 {
		t.Error("expected the second ready channel to receive the second letter")
	}
	if len(discarded) != 0 {
		t.Errorf("unexpected discards: %v", discarded)
	}
}

func TestUnicastWaitsWithNoReadyChannel(t *testing.T) {
	d := New(nil, nil)
	defer d.Close()

	l := letter.New(letter.User, 0, letter.UserPart([]byte("x")))
	d.Enqueue(l)

	time.Sleep(20 * time.Millisecond)
	if d.PendingLen() != 1 {
		t.Fatalf("expected letter to remain queued, PendingLen=%d", d.PendingLen())
	}

	a := newFakeChannel("a")
	d.ChannelReady(a)
	waitUntil(t, time.Second, func() bool { return a.count() == 1 })
}

func TestMulticastFansOutToConnectedSnapshot(t *testing.T) {
	b1 := newFakeChannel("b1")
	b2 := newFakeChannel("b2")
	connected := func() []Channel { return []Channel{b1, b2} }

	var discarded []*letter.Letter
	d := New(connected, func(l *letter.Letter) { discarded = append(discarded, l) })
	defer d.Close()

	l := letter.New(letter.User, letter.OptMulticast, letter.UserPart([]byte("hi")))
	d.Enqueue(l)

	waitUntil(t, time.Second, func() bool { return b1.count() == 1 && b2.count() == 1 })
	if len(discarded) != 0 {
		t.Errorf("unexpected discards: %v", discarded)
	}
}

func TestMulticastWithNoConnectedChannelsDiscards(t *testing.T) {
	connected := func() []Channel { return nil }

	discardedCh := make(chan *letter.Letter, 1)
	d := New(connected, func(l *letter.Letter) { discardedCh <- l })
	defer d.Close()

	l := letter.New(letter.User, letter.OptMulticast, letter.UserPart([]byte("hi")))
	d.Enqueue(l)

	select {
	case got := <-discardedCh:
		if got != l {
			t.Error("discarded letter does not match enqueued letter")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a discard callback")
	}
}

func TestReadyChannelAppearsAtMostOnce(t *testing.T) {
	d := New(nil, nil)
	defer d.Close()

	a := newFakeChannel("a")
	d.ChannelReady(a)
	d.ChannelReady(a)

	l1 := letter.New(letter.User, 0, letter.UserPart([]byte("1")))
	l2 := letter.New(letter.User, 0, letter.UserPart([]byte("2")))
	d.Enqueue(l1)
	d.Enqueue(l2)

	waitUntil(t, time.Second, func() bool { return a.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if a.count() != 1 {
		t.Fatalf("expected channel to be handed exactly one letter, got %d", a.count())
	}
	if d.PendingLen() != 1 {
		t.Fatalf("expected second letter to remain queued, PendingLen=%d", d.PendingLen())
	}
}

func TestChannelUnreadyRemovesFromReadySet(t *testing.T) {
	d := New(nil, nil)
	defer d.Close()

	a := newFakeChannel("a")
	d.ChannelReady(a)
	d.ChannelUnready(a)

	l := letter.New(letter.User, 0, letter.UserPart([]byte("x")))
	d.Enqueue(l)

	time.Sleep(20 * time.Millisecond)
	if a.count() != 0 {
		t.Fatalf("expected unready channel not to receive the letter, got %d", a.count())
	}
}
