package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lalith-99/lazerchat/internal/clock"
	"github.com/lalith-99/lazerchat/internal/models"
)

type fakeRepo struct {
	mu       sync.Mutex
	list     []models.Notification
	listErr  error
	markErr  error
	marks    [][]models.NotificationIdentity
	listHits atomic.Int32
}

func (r *fakeRepo) List(context.Context) (*models.NotificationList, error) {
	r.listHits.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return &models.NotificationList{Notifications: append([]models.Notification(nil), r.list...)}, nil
}

func (r *fakeRepo) MarkRead(_ context.Context, ids []models.NotificationIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	r.marks = append(r.marks, ids)
	return nil
}

func (r *fakeRepo) markCalls() [][]models.NotificationIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks
}

type fakeWarmer struct {
	mu  sync.Mutex
	ids []int64
}

func (w *fakeWarmer) Prefetch(ids ...int64) {
	w.mu.Lock()
	w.ids = append(w.ids, ids...)
	w.mu.Unlock()
}

func note(id int64, name models.Category, objectID string, source int64) models.Notification {
	return models.Notification{
		ID:           id,
		Name:         name,
		ObjectType:   "channel",
		ObjectID:     models.FlexID(objectID),
		SourceUserID: source,
		CreatedAt:    time.Unix(1_700_000_000+id, 0),
	}
}

func checkInvariant(t *testing.T, e *Engine) {
	t.Helper()
	items, c := e.Snapshot()
	if !c.Consistent() {
		t.Fatalf("counters inconsistent: %+v", c)
	}
	seen := map[int64]bool{}
	for _, n := range items {
		if seen[n.ID] {
			t.Fatalf("duplicate id %d in active set", n.ID)
		}
		seen[n.ID] = true
	}
}

func TestIngestCountsAndOrder(t *testing.T) {
	w := &fakeWarmer{}
	e := New(&fakeRepo{}, w, nil)

	e.Ingest(note(1, models.CategoryChannelMessage, "10", 2))
	e.Ingest(note(2, models.CategoryTeamApplicationStore, "11", 3))
	e.Ingest(note(3, models.CategoryFriendRequest, "12", 4))
	e.Ingest(note(4, models.CategoryChannelPublic, "13", 5))

	items, c := e.Snapshot()
	if items[0].ID != 4 || items[3].ID != 1 {
		t.Errorf("not newest first: %v", []int64{items[0].ID, items[1].ID, items[2].ID, items[3].ID})
	}
	want := models.UnreadCount{Total: 3, TeamRequests: 1, PrivateMessages: 1, FriendRequests: 1}
	if c != want {
		t.Errorf("counts = %+v, want %+v", c, want)
	}
	if len(w.ids) != 4 {
		t.Errorf("prefetched %v", w.ids)
	}
	checkInvariant(t, e)
}

func TestIngestDeduplication(t *testing.T) {
	e := New(&fakeRepo{}, nil, nil)

	first := note(-1, models.CategoryChannelMessage, "42", 2)
	if !e.Ingest(first) {
		t.Fatal("first ingest rejected")
	}
	if e.Ingest(first) {
		t.Error("same id accepted twice")
	}
	sameEvent := first
	sameEvent.ID = -2
	if e.Ingest(sameEvent) {
		t.Error("same (object, type, category, source) accepted under a fresh id")
	}

	otherSource := first
	otherSource.ID = -3
	otherSource.SourceUserID = 9
	if !e.Ingest(otherSource) {
		t.Error("different source user should not be a duplicate")
	}

	items, c := e.Snapshot()
	if len(items) != 2 || c.PrivateMessages != 2 || c.Total != 2 {
		t.Errorf("items=%d counts=%+v", len(items), c)
	}
}

func TestMarkRead(t *testing.T) {
	repo := &fakeRepo{}
	e := New(repo, nil, nil)
	e.Ingest(note(5, models.CategoryTeamApplicationAccept, "1", 2))
	e.Ingest(note(-7, models.CategoryChannelMessage, "33", 3))

	if err := e.MarkRead(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkRead(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkRead(context.Background(), 999); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkRead(context.Background(), -7); err != nil {
		t.Fatal(err)
	}

	calls := repo.markCalls()
	if len(calls) != 2 {
		t.Fatalf("REST calls = %d, want 2 (repeat and unknown are no-ops)", len(calls))
	}
	if calls[0][0].ID == nil || *calls[0][0].ID != 5 {
		t.Errorf("server notification addressed by %+v", calls[0][0])
	}
	synth := calls[1][0]
	if synth.ID != nil || synth.ObjectID == nil || *synth.ObjectID != 33 || synth.Category != "channel_message" {
		t.Errorf("client-side notification addressed by %+v", synth)
	}
	if c := e.Unread(); c.Total != 0 {
		t.Errorf("counts = %+v", c)
	}
	checkInvariant(t, e)
}

func TestMarkReadFailureLeavesStateAlone(t *testing.T) {
	repo := &fakeRepo{markErr: errors.New("503")}
	e := New(repo, nil, nil)
	e.Ingest(note(5, models.CategoryChannelMessage, "1", 2))

	if err := e.MarkRead(context.Background(), 5); err == nil {
		t.Fatal("expected error")
	}
	if c := e.Unread(); c.PrivateMessages != 1 {
		t.Errorf("counts changed on failure: %+v", c)
	}
}

func TestRemove(t *testing.T) {
	e := New(&fakeRepo{}, nil, nil)
	e.Ingest(note(1, models.CategoryChannelMessage, "1", 2))
	e.Ingest(note(2, models.CategoryChannelMessage, "2", 2))

	if !e.Remove(1) {
		t.Fatal("Remove(1) = false")
	}
	if e.Remove(1) {
		t.Error("second Remove(1) = true")
	}
	items, c := e.Snapshot()
	if len(items) != 1 || items[0].ID != 2 || c.PrivateMessages != 1 {
		t.Errorf("items=%v counts=%+v", items, c)
	}
	checkInvariant(t, e)
}

func TestRemoveByObjectIssuesOneCall(t *testing.T) {
	repo := &fakeRepo{}
	e := New(repo, nil, nil)
	e.Ingest(note(1, models.CategoryChannelMessage, "42", 2))
	e.Ingest(note(2, models.CategoryChannelMessage, "42", 3))
	e.Ingest(note(3, models.CategoryChannelTeam, "42", 4))
	e.Ingest(note(4, models.CategoryChannelMessage, "43", 2))

	n, err := e.RemoveByObject(context.Background(), "42", "channel")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("changed = %d, want 3", n)
	}

	calls := repo.markCalls()
	if len(calls) != 1 || len(calls[0]) != 1 || *calls[0][0].ObjectID != 42 || calls[0][0].ID != nil {
		t.Fatalf("REST calls = %+v, want one object_id=42 call", calls)
	}

	items, c := e.Snapshot()
	if len(items) != 4 {
		t.Errorf("entries were deleted: %d left", len(items))
	}
	for _, it := range items {
		if it.ObjectID == "42" && !it.IsRead {
			t.Errorf("notification %d still unread", it.ID)
		}
	}
	if c.PrivateMessages != 1 || c.Total != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestRemoveByObjectNoMatch(t *testing.T) {
	repo := &fakeRepo{}
	e := New(repo, nil, nil)
	if n, err := e.RemoveByObject(context.Background(), "7", "channel"); err != nil || n != 0 {
		t.Fatalf("= %d, %v", n, err)
	}
	if len(repo.markCalls()) != 0 {
		t.Error("no REST call expected without matches")
	}
}

func TestRefresh(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	repo := &fakeRepo{list: []models.Notification{
		{ID: 1, Name: models.CategoryChannelMessage, ObjectType: "channel", ObjectID: "42", SourceUserID: 2, CreatedAt: base},
		{ID: 2, Name: models.CategoryChannelMessage, ObjectType: "channel", ObjectID: "42", SourceUserID: 2, CreatedAt: base.Add(time.Minute)},
		{ID: 3, Name: models.CategoryTeamApplicationStore, ObjectType: "team", ObjectID: "8", SourceUserID: 5, CreatedAt: base.Add(30 * time.Second)},
		{ID: 4, Name: models.CategoryFriendRequest, ObjectType: "user", ObjectID: "9", SourceUserID: 6, CreatedAt: base.Add(2 * time.Minute), IsRead: true},
	}}
	w := &fakeWarmer{}
	e := New(repo, w, nil)

	if err := e.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	items, c := e.Snapshot()
	if len(items) != 3 {
		t.Fatalf("grouped snapshot has %d entries, want 3", len(items))
	}
	if items[0].ID != 4 || items[1].ID != 2 || items[2].ID != 3 {
		t.Errorf("order = %d,%d,%d", items[0].ID, items[1].ID, items[2].ID)
	}
	want := models.UnreadCount{Total: 2, TeamRequests: 1, PrivateMessages: 1}
	if c != want {
		t.Errorf("counts = %+v, want %+v", c, want)
	}
	if len(w.ids) != 3 {
		t.Errorf("prefetched %v", w.ids)
	}

	if err := e.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if repo.listHits.Load() != 1 {
		t.Error("non-forced refresh with local state should be skipped")
	}
	if err := e.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if repo.listHits.Load() != 2 {
		t.Error("forced refresh should fetch")
	}
}

func TestRefreshErrorKeepsState(t *testing.T) {
	repo := &fakeRepo{listErr: errors.New("boom")}
	e := New(repo, nil, nil)
	e.Ingest(note(1, models.CategoryChannelMessage, "1", 2))
	if err := e.Refresh(context.Background(), true); err == nil {
		t.Fatal("expected error")
	}
	if items, _ := e.Snapshot(); len(items) != 1 {
		t.Error("failed refresh dropped local state")
	}
}

func TestCounterInvariantUnderRandomOperations(t *testing.T) {
	repo := &fakeRepo{}
	e := New(repo, nil, nil)
	rng := rand.New(rand.NewSource(1))
	categories := []models.Category{
		models.CategoryChannelMessage, models.CategoryTeamApplicationStore,
		models.CategoryTeamApplicationReject, models.CategoryFriendRequest,
		models.CategoryChannelPublic, models.CategoryUnknown,
	}
	ctx := context.Background()

	for i := 0; i < 2000; i++ {
		id := int64(rng.Intn(40) - 20)
		obj := string(rune('0' + rng.Intn(5)))
		switch rng.Intn(4) {
		case 0:
			e.Ingest(note(id, categories[rng.Intn(len(categories))], obj, int64(rng.Intn(4))))
		case 1:
			e.MarkRead(ctx, id)
		case 2:
			e.Remove(id)
		case 3:
			e.RemoveByObject(ctx, obj, "channel")
		}
		checkInvariant(t, e)
	}
}

type fakeSource struct {
	fn func(models.Notification)
}

func (s *fakeSource) SubscribeNotifications(fn func(models.Notification)) func() {
	s.fn = fn
	return func() { s.fn = nil }
}

func TestAttach(t *testing.T) {
	src := &fakeSource{}
	e := New(&fakeRepo{}, nil, nil)
	detach := e.Attach(src)
	src.fn(note(1, models.CategoryFriendRequest, "1", 2))
	if c := e.Unread(); c.FriendRequests != 1 {
		t.Errorf("counts = %+v", c)
	}
	detach()
	if src.fn != nil {
		t.Error("detach did not unsubscribe")
	}
}

func TestPollOnlyWhileDisconnected(t *testing.T) {
	repo := &fakeRepo{}
	e := New(repo, nil, nil)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	const interval = time.Minute

	var connected atomic.Bool
	connected.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Poll(ctx, clk, interval, connected.Load)
		close(done)
	}()

	armed := func() {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for len(clk.Pending()) != 1 {
			if time.Now().After(deadline) {
				t.Fatalf("poller never re-armed, pending %v", clk.Pending())
			}
			time.Sleep(time.Millisecond)
		}
	}

	armed()
	if p := clk.Pending(); p[0] != interval {
		t.Fatalf("first tick armed for %v, want %v", p[0], interval)
	}
	for i := 0; i < 3; i++ {
		clk.Advance(interval)
		armed()
	}
	if n := repo.listHits.Load(); n != 0 {
		t.Errorf("polled %d times while connected", n)
	}

	connected.Store(false)
	for i := 0; i < 2; i++ {
		clk.Advance(interval)
		armed()
	}
	if n := repo.listHits.Load(); n != 2 {
		t.Errorf("polled %d times over two disconnected ticks, want 2", n)
	}

	// Less than an interval: nothing more.
	clk.Advance(interval / 2)
	time.Sleep(10 * time.Millisecond)
	if n := repo.listHits.Load(); n != 2 {
		t.Errorf("polled early, hits = %d", n)
	}

	cancel()
	<-done
	if p := clk.Pending(); len(p) != 0 {
		t.Errorf("timer left armed after return: %v", p)
	}
}
