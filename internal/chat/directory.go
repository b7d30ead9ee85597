// Package chat is the cached view of channels, channel history and user
// profiles that the realtime core and its consumers read through.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/lazerchat/internal/cache"
	"github.com/lalith-99/lazerchat/internal/models"
	"github.com/lalith-99/lazerchat/internal/observ"
	"github.com/lalith-99/lazerchat/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// userFetchLimit bounds concurrent profile requests in Users.
const userFetchLimit = 5

const channelListKey = "all"

type Options struct {
	UserTTL            time.Duration
	ChannelListTTL     time.Duration
	ChannelMessagesTTL time.Duration

	// Backing, if set, shares cached entries across processes.
	Backing cache.Backing
	Clock   func() time.Time
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.UserTTL <= 0 {
		o.UserTTL = 5 * time.Minute
	}
	if o.ChannelListTTL <= 0 {
		o.ChannelListTTL = 30 * time.Second
	}
	if o.ChannelMessagesTTL <= 0 {
		o.ChannelMessagesTTL = 2 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// MessageSource delivers live chat messages, normally the transport.
type MessageSource interface {
	SubscribeMessages(fn func(models.ChatMessage)) (unsubscribe func())
}

type Directory struct {
	channels repository.ChannelRepository
	messages repository.MessageRepository
	users    repository.UserRepository
	logger   *zap.Logger

	userCache    *cache.Cache[int64, *models.User]
	channelCache *cache.Cache[string, []models.Channel]
	historyCache *cache.Cache[int64, []models.ChatMessage]

	mu       sync.Mutex
	lastRead map[int64]int64

	background sync.WaitGroup
}

func NewDirectory(channels repository.ChannelRepository, messages repository.MessageRepository, users repository.UserRepository, opts Options) *Directory {
	opts = opts.withDefaults()
	logger := observ.Component(opts.Logger, "chat")

	cacheOpts := []cache.Option{cache.WithClock(opts.Clock), cache.WithLogger(logger)}
	if opts.Backing != nil {
		cacheOpts = append(cacheOpts, cache.WithBacking(opts.Backing))
	}
	return &Directory{
		channels:     channels,
		messages:     messages,
		users:        users,
		logger:       logger,
		userCache:    cache.New[int64, *models.User]("users", opts.UserTTL, cacheOpts...),
		channelCache: cache.New[string, []models.Channel]("channels", opts.ChannelListTTL, cacheOpts...),
		historyCache: cache.New[int64, []models.ChatMessage]("channel_messages", opts.ChannelMessagesTTL, cacheOpts...),
		lastRead:     make(map[int64]int64),
	}
}

// Attach invalidates a channel's cached history whenever a live message for
// it arrives.
func (d *Directory) Attach(src MessageSource) (detach func()) {
	return src.SubscribeMessages(d.OnMessage)
}

func (d *Directory) OnMessage(m models.ChatMessage) {
	d.historyCache.Invalidate(m.ChannelID)
}

// Channels returns the channel list with the locally known read marks
// applied. Server read marks also raise the local ones.
func (d *Directory) Channels(ctx context.Context) ([]models.Channel, error) {
	list, err := d.channelCache.Get(ctx, channelListKey, func(ctx context.Context) ([]models.Channel, error) {
		return d.channels.List(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	out := make([]models.Channel, len(list))
	copy(out, list)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range out {
		c := &out[i]
		if c.LastReadID > d.lastRead[c.ChannelID] {
			d.lastRead[c.ChannelID] = c.LastReadID
		}
		c.LastReadID = d.lastRead[c.ChannelID]
	}
	return out, nil
}

// InvalidateChannels forces the next Channels call to refetch, e.g. after a
// channel was created or joined.
func (d *Directory) InvalidateChannels() {
	d.channelCache.Invalidate(channelListKey)
}

// Messages returns channel history. Only the latest page (no since/until) is
// cached; it is dropped when a live message for the channel arrives or a
// message is sent.
func (d *Directory) Messages(ctx context.Context, channelID int64, page models.Page) ([]models.ChatMessage, error) {
	fetch := func(ctx context.Context) ([]models.ChatMessage, error) {
		return d.messages.List(ctx, channelID, page)
	}

	var (
		msgs []models.ChatMessage
		err  error
	)
	if page.Since == 0 && page.Until == 0 && page.Limit == 0 {
		msgs, err = d.historyCache.Get(ctx, channelID, fetch)
	} else {
		msgs, err = fetch(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages for channel %d: %w", channelID, err)
	}

	senders := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if m.Sender == nil && m.SenderID > 0 {
			senders = append(senders, m.SenderID)
		}
	}
	d.Prefetch(senders...)
	return msgs, nil
}

// Send posts a message with a fresh idempotency token.
func (d *Directory) Send(ctx context.Context, channelID int64, content string, isAction bool) (*models.ChatMessage, error) {
	msg, err := d.messages.Send(ctx, channelID, content, isAction, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("send to channel %d: %w", channelID, err)
	}
	d.historyCache.Invalidate(channelID)
	return msg, nil
}

// User returns a cached profile. A missing user is (nil, nil).
func (d *Directory) User(ctx context.Context, userID int64) (*models.User, error) {
	u, err := d.userCache.Get(ctx, userID, func(ctx context.Context) (*models.User, error) {
		return d.users.GetByID(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return u, nil
}

// Users resolves several profiles, at most userFetchLimit requests at a
// time. Missing users are absent from the result.
func (d *Directory) Users(ctx context.Context, ids []int64) (map[int64]*models.User, error) {
	var (
		mu  sync.Mutex
		out = make(map[int64]*models.User, len(ids))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(userFetchLimit)
	for _, id := range dedupe(ids) {
		id := id
		g.Go(func() error {
			u, err := d.User(ctx, id)
			if err != nil {
				return err
			}
			if u != nil {
				mu.Lock()
				out[id] = u
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Prefetch loads profiles that are not cached yet, in the background.
func (d *Directory) Prefetch(ids ...int64) {
	var missing []int64
	for _, id := range dedupe(ids) {
		if _, ok := d.userCache.Peek(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}

	d.background.Add(1)
	go func() {
		defer d.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := d.Users(ctx, missing); err != nil {
			d.logger.Debug("user prefetch failed", zap.Int("count", len(missing)), zap.Error(err))
		}
	}()
}

// Wait blocks until background prefetches have finished.
func (d *Directory) Wait() {
	d.background.Wait()
}

// UpdateReadState raises the channel's read mark. Lower ids are ignored.
func (d *Directory) UpdateReadState(channelID, messageID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if messageID > d.lastRead[channelID] {
		d.lastRead[channelID] = messageID
	}
}

// ReadState returns the channel's read mark.
func (d *Directory) ReadState(channelID int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRead[channelID]
}

// Reset drops every cache and read mark, e.g. after auth loss.
func (d *Directory) Reset() {
	d.userCache.InvalidateAll()
	d.channelCache.InvalidateAll()
	d.historyCache.InvalidateAll()
	d.mu.Lock()
	d.lastRead = make(map[int64]int64)
	d.mu.Unlock()
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
