package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/lazerchat/internal/api"
	"github.com/lalith-99/lazerchat/internal/auth"
	"github.com/lalith-99/lazerchat/internal/cache"
	"github.com/lalith-99/lazerchat/internal/chat"
	"github.com/lalith-99/lazerchat/internal/clock"
	"github.com/lalith-99/lazerchat/internal/config"
	"github.com/lalith-99/lazerchat/internal/db"
	"github.com/lalith-99/lazerchat/internal/notify"
	"github.com/lalith-99/lazerchat/internal/observ"
	"github.com/lalith-99/lazerchat/internal/receipt"
	"github.com/lalith-99/lazerchat/internal/repository/rest"
	"github.com/lalith-99/lazerchat/internal/transport"
	"go.uber.org/zap"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		err = issueToken(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// issueToken prints a control-API token signed with CONTROL_JWT_SECRET.
//
//	lazerchat issue-token -operator alice -ttl 24h
func issueToken(args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	operator := fs.String("operator", "local", "operator name carried in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ControlJWTSecret == "" {
		return errors.New("CONTROL_JWT_SECRET is not set")
	}

	token, err := auth.GenerateToken(*operator, cfg.ControlJWTSecret, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and register metrics
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	observ.Register()

	// The root context is cancelled on SIGINT/SIGTERM. Everything long-lived
	// (poller, HTTP server) stops when it does.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Connect to Redis (optional)
	//
	// Redis only shares cached lookups between processes. Without it
	// every cache is in-memory and nothing else changes, so a failed
	// connection is logged and ignored rather than fatal.
	// ---------------------------------------------------------------
	var (
		backing cache.Backing
		checks  = map[string]api.HealthCheck{}
	)
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, caching in memory only", zap.Error(err))
		} else {
			defer rdb.Close()
			backing = cache.NewRedisBacking(rdb.Client(), "lazerchat:")
			checks["redis"] = rdb.Health
		}
	}

	// ---------------------------------------------------------------
	// 4. Load the access token and build the REST stores
	//
	// A 401 from any REST call is auth loss: the token is cleared, and
	// the OnClear hooks below tear the realtime core down.
	// ---------------------------------------------------------------
	tokens, err := auth.OpenTokenStore(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}

	client, err := rest.NewClient(cfg.APIBaseURL, tokens, rest.WithUnauthorizedHook(func() {
		logger.Warn("game server rejected the access token, signing out")
		if err := tokens.Clear(); err != nil {
			logger.Error("failed to clear access token", zap.Error(err))
		}
	}))
	if err != nil {
		return fmt.Errorf("create rest client: %w", err)
	}

	notificationRepo := rest.NewNotificationStore(client)
	channelRepo := rest.NewChannelStore(client)
	messageRepo := rest.NewMessageStore(client)
	userRepo := rest.NewUserStore(client)

	// ---------------------------------------------------------------
	// 5. Build the realtime core
	//
	// Order matters only for subscriptions: the notification engine and
	// the directory subscribe before Connect, so nothing the transport
	// dispatches is lost (and the replay buffer stays empty).
	// ---------------------------------------------------------------
	directory := chat.NewDirectory(channelRepo, messageRepo, userRepo, chat.Options{
		UserTTL:            cfg.Cache.UserTTL,
		ChannelListTTL:     cfg.Cache.ChannelListTTL,
		ChannelMessagesTTL: cfg.Cache.ChannelMessagesTTL,
		Backing:            backing,
		Logger:             logger,
	})
	defer directory.Wait()

	rt := transport.New(notificationRepo, tokens, transport.Options{
		ReconnectBase:        cfg.Transport.ReconnectBase,
		ReconnectMaxAttempts: cfg.Transport.ReconnectMaxAttempts,
		ConnectThrottle:      cfg.Transport.ConnectThrottle,
		ReplayBuffer:         cfg.Transport.ReplayBuffer,
		BaseURL:              client.BaseURL(),
		Logger:               logger,
	})

	engine := notify.New(notificationRepo, directory, logger)
	engine.Attach(rt)
	directory.Attach(rt)

	batcher := receipt.New(channelRepo, receipt.Options{
		Window:        cfg.Receipts.Window,
		MaxRetries:    cfg.Receipts.MaxRetries,
		ReadState:     directory,
		Notifications: engine,
		Logger:        logger,
	})

	// Auth loss: drop the connection and everything derived from the
	// old session.
	tokens.OnClear(func() {
		rt.Disconnect()
		engine.Reset()
		directory.Reset()
	})

	// Every new session reloads the snapshot, picking up whatever arrived
	// while we were disconnected.
	var (
		sessionMu   sync.Mutex
		lastSession string
	)
	rt.SubscribeState(func(s transport.Status) {
		if errors.Is(s.Err, transport.ErrReconnectExhausted) {
			logger.Error("realtime connection lost, waiting for a manual reconnect", zap.Error(s.Err))
		}
		if !s.Connected() {
			return
		}
		sessionMu.Lock()
		fresh := s.Session != lastSession
		lastSession = s.Session
		sessionMu.Unlock()
		if fresh {
			go startup(ctx, logger, engine, directory, batcher)
		}
	})

	// ---------------------------------------------------------------
	// 6. Start: connection and degraded-mode poller
	// ---------------------------------------------------------------
	if tokens.Authenticated() {
		if err := rt.Connect(ctx); err != nil {
			logger.Warn("initial connect failed", zap.Error(err))
		}
	} else {
		logger.Info("no access token yet, waiting for PUT /v1/session")
	}

	// Signed out counts as "connected" here: there is nothing to poll for.
	go engine.Poll(ctx, clock.Real, cfg.PollInterval, func() bool {
		return rt.Status().Connected() || !tokens.Authenticated()
	})

	// ---------------------------------------------------------------
	// 7. Set up the control API
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.ControlJWTSecret == "" {
		logger.Warn("CONTROL_JWT_SECRET is empty, control API is unauthenticated")
	}

	router := api.NewRouter(api.Deps{
		Tokens:        tokens,
		Transport:     rt,
		Notifications: engine,
		Unread:        engine,
		Directory:     directory,
		Receipts:      batcher,
		Checks:        checks,
		JWTSecret:     cfg.ControlJWTSecret,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting lazerchat",
			zap.String("addr", cfg.ListenAddr),
			zap.String("env", cfg.Env),
			zap.String("api", cfg.APIBaseURL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ---------------------------------------------------------------
	// 8. Wait for a signal, then shut down
	//
	// Pending read receipts are flushed before the connection closes so
	// the last "seen" marks are not lost.
	// ---------------------------------------------------------------
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control api shutdown", zap.Error(err))
	}
	if err := batcher.Flush(shutdownCtx); err != nil {
		logger.Warn("final read receipt flush", zap.Error(err))
	}
	batcher.Close()
	rt.Disconnect()

	return nil
}

// startup loads the notification snapshot and seeds the batcher with the
// server's read marks. Failures are only logged; the poller fills the gap.
func startup(ctx context.Context, logger *zap.Logger, engine *notify.Engine, directory *chat.Directory, batcher *receipt.Batcher) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := engine.Refresh(ctx, true); err != nil {
		logger.Warn("initial notification snapshot failed", zap.Error(err))
	}

	channels, err := directory.Channels(ctx)
	if err != nil {
		logger.Warn("initial channel list failed", zap.Error(err))
		return
	}
	for _, ch := range channels {
		batcher.Seed(ch.ChannelID, ch.LastReadID)
	}
}
