package receipt

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/lazerchat/internal/clock"
)

type call struct{ channel, message int64 }

type fakeMarker struct {
	mu    sync.Mutex
	calls []call
	fail  map[int64]bool
	gate  map[int64]chan struct{}
}

func (m *fakeMarker) MarkRead(_ context.Context, channelID, messageID int64) error {
	m.mu.Lock()
	m.calls = append(m.calls, call{channelID, messageID})
	gate := m.gate[channelID]
	fail := m.fail[channelID]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return errors.New("502 bad gateway")
	}
	return nil
}

func (m *fakeMarker) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]call(nil), m.calls...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].channel == out[j].channel {
			return out[i].message < out[j].message
		}
		return out[i].channel < out[j].channel
	})
	return out
}

type fakeReadState struct {
	mu   sync.Mutex
	last map[int64]int64
}

func (f *fakeReadState) UpdateReadState(ch, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		f.last = map[int64]int64{}
	}
	f.last[ch] = id
}

type fakeClearer struct {
	mu      sync.Mutex
	objects []string
}

func (f *fakeClearer) RemoveByObject(_ context.Context, objectID, objectType string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, objectType+":"+objectID)
	return 1, nil
}

const window = 1500 * time.Millisecond

func newTestBatcher(m *fakeMarker, maxRetries int) (*Batcher, *clock.Fake, *fakeReadState, *fakeClearer) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	rs := &fakeReadState{}
	cl := &fakeClearer{}
	b := New(m, Options{
		Window:        window,
		MaxRetries:    maxRetries,
		ReadState:     rs,
		Notifications: cl,
		Clock:         clk,
	})
	return b, clk, rs, cl
}

func TestBatchingCollapsesToMaximum(t *testing.T) {
	m := &fakeMarker{}
	b, clk, rs, cl := newTestBatcher(m, 3)

	for _, tc := range []struct {
		ch, id int64
		want   bool
	}{
		{1, 5, true}, {1, 7, true}, {1, 6, false}, {1, 7, false}, {2, 3, true},
	} {
		if got := b.MarkSeen(tc.ch, tc.id); got != tc.want {
			t.Errorf("MarkSeen(%d, %d) = %v, want %v", tc.ch, tc.id, got, tc.want)
		}
	}
	if len(clk.Pending()) != 1 {
		t.Fatalf("timers = %v, want one debounce timer", clk.Pending())
	}
	if len(m.Calls()) != 0 {
		t.Fatal("flushed before the window elapsed")
	}

	clk.Advance(window)
	if got, want := m.Calls(), []call{{1, 7}, {2, 3}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if b.Confirmed(1) != 7 || b.Confirmed(2) != 3 {
		t.Errorf("confirmed = %d, %d", b.Confirmed(1), b.Confirmed(2))
	}
	if rs.last[1] != 7 || rs.last[2] != 3 {
		t.Errorf("read state = %v", rs.last)
	}
	sort.Strings(cl.objects)
	if !reflect.DeepEqual(cl.objects, []string{"channel:1", "channel:2"}) {
		t.Errorf("cleared = %v", cl.objects)
	}

	if b.MarkSeen(1, 7) || b.MarkSeen(1, 2) {
		t.Error("signal at or below confirmed accepted")
	}
	b.MarkSeen(1, 9)
	clk.Advance(window)
	if n := len(m.Calls()); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestMonotonicUnderRandomSignals(t *testing.T) {
	m := &fakeMarker{}
	b, clk, _, _ := newTestBatcher(m, 3)
	rng := rand.New(rand.NewSource(42))

	maxSeen := map[int64]int64{}
	windows := 0
	for i := 0; i < 500; i++ {
		ch := int64(rng.Intn(3) + 1)
		id := int64(rng.Intn(200) + 1)
		b.MarkSeen(ch, id)
		if id > maxSeen[ch] {
			maxSeen[ch] = id
		}
		if rng.Intn(10) == 0 {
			if len(clk.Pending()) > 0 {
				windows++
			}
			clk.Advance(window)
		}
	}
	if len(clk.Pending()) > 0 {
		windows++
	}
	clk.Advance(window)

	last := map[int64]int64{}
	m.mu.Lock()
	raw := append([]call(nil), m.calls...)
	m.mu.Unlock()
	for _, c := range raw {
		if c.message <= last[c.channel] {
			t.Fatalf("channel %d: call with %d after %d", c.channel, c.message, last[c.channel])
		}
		last[c.channel] = c.message
	}
	for ch, want := range maxSeen {
		if got := b.Confirmed(ch); got != want {
			t.Errorf("channel %d confirmed %d, want %d", ch, got, want)
		}
	}
	if len(raw) > windows*len(maxSeen) {
		t.Errorf("%d calls over %d windows for %d channels", len(raw), windows, len(maxSeen))
	}
	if len(raw) >= 500 {
		t.Errorf("no batching happened: %d calls", len(raw))
	}
}

func TestFailureIsIsolatedAndRetriedBounded(t *testing.T) {
	m := &fakeMarker{fail: map[int64]bool{2: true}}
	b, clk, rs, _ := newTestBatcher(m, 2)

	b.MarkSeen(1, 10)
	b.MarkSeen(2, 20)

	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("Flush should report the channel 2 failure")
	}
	if b.Confirmed(1) != 10 {
		t.Errorf("channel 1 not confirmed despite channel 2 failing")
	}
	if b.Confirmed(2) != 0 || rs.last[2] != 0 {
		t.Errorf("failed channel changed state")
	}
	if b.Pending() != 1 {
		t.Fatalf("failed entry not re-queued, pending = %d", b.Pending())
	}

	clk.Advance(window) // retry 2
	clk.Advance(window) // retry 3 exceeds MaxRetries, dropped
	if b.Pending() != 0 || len(clk.Pending()) != 0 {
		t.Errorf("entry still queued after exhausting retries: pending=%d timers=%v", b.Pending(), clk.Pending())
	}
	var ch2 int
	for _, c := range m.Calls() {
		if c.channel == 2 {
			ch2++
		}
	}
	if ch2 != 3 {
		t.Errorf("channel 2 attempts = %d, want 3", ch2)
	}

	m.mu.Lock()
	m.fail = nil
	m.mu.Unlock()
	if !b.MarkSeen(2, 20) {
		t.Fatal("a fresh signal should be accepted after giving up")
	}
	clk.Advance(window)
	if b.Confirmed(2) != 20 {
		t.Errorf("confirmed = %d after recovery", b.Confirmed(2))
	}
}

func TestInflightChannelIsNotSentTwice(t *testing.T) {
	gate := make(chan struct{})
	m := &fakeMarker{gate: map[int64]chan struct{}{1: gate}}
	b, clk, _, _ := newTestBatcher(m, 3)

	b.MarkSeen(1, 5)
	done := make(chan error)
	go func() { done <- b.Flush(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(m.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first flush never started")
		}
		time.Sleep(time.Millisecond)
	}

	if b.MarkSeen(1, 5) || b.MarkSeen(1, 4) {
		t.Error("signal at or below the in-flight id accepted")
	}
	if !b.MarkSeen(1, 8) {
		t.Fatal("higher signal rejected while in flight")
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(m.Calls()); n != 1 {
		t.Fatalf("busy channel sent again: %v", m.Calls())
	}

	m.mu.Lock()
	m.gate = nil
	m.mu.Unlock()
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	clk.Advance(window)
	if got, want := m.Calls(), []call{{1, 5}, {1, 8}}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if b.Confirmed(1) != 8 {
		t.Errorf("confirmed = %d", b.Confirmed(1))
	}
}

func TestSeedAndClose(t *testing.T) {
	m := &fakeMarker{}
	b, clk, _, _ := newTestBatcher(m, 3)

	b.Seed(1, 50)
	if b.MarkSeen(1, 40) {
		t.Error("signal below seeded mark accepted")
	}
	b.MarkSeen(1, 60)
	b.Close()
	if len(clk.Pending()) != 0 {
		t.Error("Close left a timer armed")
	}
	if b.MarkSeen(1, 70) {
		t.Error("MarkSeen accepted after Close")
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.Calls(); !reflect.DeepEqual(got, []call{{1, 60}}) {
		t.Errorf("calls = %v", got)
	}
}
