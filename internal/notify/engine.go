// Package notify keeps the deduplicated set of active notifications and the
// unread counters derived from it.
//
// After every operation the counters are non-negative, Total is the sum of
// the per-category counters, and no two active notifications share an id.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/lalith-99/lazerchat/internal/models"
	"github.com/lalith-99/lazerchat/internal/observ"
	"github.com/lalith-99/lazerchat/internal/repository"
	"go.uber.org/zap"
)

var ErrInvalidObjectID = errors.New("notify: object id is not numeric")

// Source delivers live notifications, normally the transport.
type Source interface {
	SubscribeNotifications(fn func(models.Notification)) (unsubscribe func())
}

// UserWarmer preloads user profiles so they are cached before they are
// rendered. It must not block.
type UserWarmer interface {
	Prefetch(ids ...int64)
}

type Engine struct {
	repo   repository.NotificationRepository
	users  UserWarmer
	logger *zap.Logger

	mu     sync.Mutex
	items  []models.Notification // newest first
	counts models.UnreadCount
}

func New(repo repository.NotificationRepository, users UserWarmer, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		users:  users,
		logger: observ.Component(logger, "notify"),
	}
}

// Attach feeds every notification from src into Ingest.
func (e *Engine) Attach(src Source) (detach func()) {
	return src.SubscribeNotifications(func(n models.Notification) { e.Ingest(n) })
}

// Ingest adds n unless it duplicates an active notification, either by id or
// by (object id, object type, category, source user). It reports whether n
// was added.
func (e *Engine) Ingest(n models.Notification) bool {
	e.mu.Lock()
	for _, cur := range e.items {
		if cur.SameEvent(n) {
			e.mu.Unlock()
			e.logger.Debug("duplicate notification ignored",
				zap.Int64("id", n.ID), zap.String("object_id", n.ObjectID.String()), zap.String("name", string(n.Name)))
			return false
		}
	}
	e.items = append([]models.Notification{n}, e.items...)
	if !n.IsRead {
		e.counts.Add(n.Name.Counter(), 1)
	}
	e.publishLocked()
	e.mu.Unlock()

	e.logger.Debug("notification added", zap.Int64("id", n.ID), zap.String("name", string(n.Name)))
	e.warm(n.SourceUserID)
	return true
}

// MarkRead marks one notification read on the server and then locally. It is
// a no-op for unknown or already read notifications. Notifications that only
// exist client side are addressed by object and category.
func (e *Engine) MarkRead(ctx context.Context, id int64) error {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 || e.items[i].IsRead {
		e.mu.Unlock()
		return nil
	}
	target := e.items[i]
	e.mu.Unlock()

	identity := models.NotificationIdentity{}
	if target.ID > 0 {
		identity.ID = &target.ID
	} else {
		if oid, err := strconv.ParseInt(target.ObjectID.String(), 10, 64); err == nil {
			identity.ObjectID = &oid
		}
		identity.Category = string(target.Name)
	}
	if err := e.repo.MarkRead(ctx, []models.NotificationIdentity{identity}); err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexLocked(id); i >= 0 && !e.items[i].IsRead {
		e.items[i].IsRead = true
		e.counts.Add(e.items[i].Name.Counter(), -1)
		e.publishLocked()
	}
	return nil
}

// Remove drops a notification locally, releasing its unread count.
func (e *Engine) Remove(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return false
	}
	if !e.items[i].IsRead {
		e.counts.Add(e.items[i].Name.Counter(), -1)
	}
	e.items = append(e.items[:i:i], e.items[i+1:]...)
	e.publishLocked()
	return true
}

// RemoveByObject marks every notification about one object read with a
// single server call. Matching entries stay in the list. Nothing is sent
// when nothing matches.
func (e *Engine) RemoveByObject(ctx context.Context, objectID, objectType string) (int, error) {
	e.mu.Lock()
	matched := 0
	for _, n := range e.items {
		if n.ObjectID.String() == objectID && n.ObjectType == objectType {
			matched++
		}
	}
	e.mu.Unlock()
	if matched == 0 {
		return 0, nil
	}

	oid, err := strconv.ParseInt(objectID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidObjectID, objectID)
	}
	// object_type is not sent; the server only accepts numeric identity fields.
	if err := e.repo.MarkRead(ctx, []models.NotificationIdentity{{ObjectID: &oid}}); err != nil {
		return 0, fmt.Errorf("mark %s %s read: %w", objectType, objectID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	changed := 0
	for i := range e.items {
		n := &e.items[i]
		if n.ObjectID.String() != objectID || n.ObjectType != objectType || n.IsRead {
			continue
		}
		n.IsRead = true
		e.counts.Add(n.Name.Counter(), -1)
		changed++
	}
	e.publishLocked()
	e.logger.Debug("notifications read by object",
		zap.String("object_type", objectType), zap.String("object_id", objectID), zap.Int("changed", changed))
	return changed, nil
}

// Refresh replaces local state with the server snapshot. Without force it
// does nothing while local state is non-empty, so optimistic local changes
// are not overwritten by a stale view.
func (e *Engine) Refresh(ctx context.Context, force bool) error {
	if !force {
		e.mu.Lock()
		n := len(e.items)
		e.mu.Unlock()
		if n > 0 {
			return nil
		}
	}

	list, err := e.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}
	items := group(list.Notifications)

	var counts models.UnreadCount
	var sources []int64
	for _, n := range items {
		if !n.IsRead {
			counts.Add(n.Name.Counter(), 1)
		}
		if n.SourceUserID > 0 {
			sources = append(sources, n.SourceUserID)
		}
	}

	e.mu.Lock()
	e.items = items
	e.counts = counts
	e.publishLocked()
	e.mu.Unlock()

	e.logger.Debug("notifications refreshed", zap.Int("count", len(items)), zap.Int("unread", counts.Total))
	e.warm(sources...)
	return nil
}

// group keeps the newest notification per (object type, object id) and
// orders the result newest first.
func group(in []models.Notification) []models.Notification {
	type key struct {
		objectType string
		objectID   models.FlexID
	}
	newest := make(map[key]int, len(in))
	out := make([]models.Notification, 0, len(in))
	for _, n := range in {
		k := key{n.ObjectType, n.ObjectID}
		if j, ok := newest[k]; ok {
			if n.CreatedAt.After(out[j].CreatedAt) {
				out[j] = n
			}
			continue
		}
		newest[k] = len(out)
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	// No two active entries may share an id.
	seen := make(map[int64]bool, len(out))
	uniq := out[:0]
	for _, n := range out {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		uniq = append(uniq, n)
	}
	return uniq
}

// Snapshot returns a copy of the active notifications, newest first, and
// the counters.
func (e *Engine) Snapshot() ([]models.Notification, models.UnreadCount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Notification(nil), e.items...), e.counts
}

func (e *Engine) Unread() models.UnreadCount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// Reset empties the engine, e.g. after auth loss.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = nil
	e.counts = models.UnreadCount{}
	e.publishLocked()
}

func (e *Engine) indexLocked(id int64) int {
	for i, n := range e.items {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) publishLocked() {
	observ.UnreadTotal.Set(float64(e.counts.Total))
}

func (e *Engine) warm(ids ...int64) {
	if e.users == nil {
		return
	}
	var want []int64
	for _, id := range ids {
		if id > 0 {
			want = append(want, id)
		}
	}
	if len(want) > 0 {
		e.users.Prefetch(want...)
	}
}
