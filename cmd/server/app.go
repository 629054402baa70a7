package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"paid_channel/internal/clock"
	"paid_channel/internal/config"
	"paid_channel/internal/logging"
	"paid_channel/internal/middleware"
	"paid_channel/internal/notify"
	"paid_channel/internal/queue"
	"paid_channel/internal/reconcile"
	"paid_channel/internal/router"
	"paid_channel/internal/store"
	"paid_channel/internal/workflow"
	rediskey "paid_channel/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// app 持有进程级依赖，close 按创建的逆序释放。
type app struct {
	cfg       config.AppConfig
	store     *store.Store
	rdb       *rd.Client
	gw        notify.Gateway
	links     notify.Links
	events    queue.Publisher
	producer  *queue.Producer
	lease     *rediskey.Lease
	closers   []func() error
	workflow  *workflow.Service
	reconcile *reconcile.Reconciler
}

func loadConfig() (config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.AppConfig{}, err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "paid-channel"})
	return cfg, nil
}

// newApp needGateway=false 时只打开数据库（migrate）。
func newApp(ctx context.Context, cfg config.AppConfig, needGateway bool) (*app, error) {
	a := &app{cfg: cfg, events: queue.Discard{}}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if !needGateway {
		return a, nil
	}

	tg, err := notify.NewTelegram(cfg.BotToken)
	if err != nil {
		a.close()
		return nil, err
	}
	a.gw = tg
	a.links = notify.Links{BotUsername: cfg.BotUsername}
	if a.links.BotUsername == "" {
		a.links.BotUsername = tg.Username()
	}

	if cfg.RedisEnabled {
		a.rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, a.rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.events = queue.NewStreamPublisher(a.rdb, cfg.EventStream)
		host, _ := os.Hostname()
		a.lease = rediskey.NewLease(a.rdb, "reconcile", host+"-"+uuid.NewString(), cfg.LeaderLease)
	}
	if cfg.KafkaEnabled {
		a.producer = queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, a.producer.Close)
	}

	a.workflow = workflow.New(st, a.gw, a.events, cfg.DisplayLocation)

	opts := []reconcile.Option{reconcile.WithPublisher(a.events)}
	if a.lease != nil {
		opts = append(opts, reconcile.WithLeader(a.lease))
	}
	a.reconcile = reconcile.New(st, a.gw, a.links, clock.System{}, reconcile.Config{
		Interval:       cfg.SweepInterval,
		ReminderWindow: cfg.ReminderWindow,
		MaxAttempts:    cfg.RevokeMaxAttempts,
		Location:       cfg.DisplayLocation,
	}, opts...)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close resource")
		}
	}
}

// releaseLease 退出时主动放弃调度租约，其他实例无需等到过期即可接管。
func (a *app) releaseLease(ctx context.Context) {
	if a.lease == nil {
		return
	}
	if err := a.lease.Release(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Str("owner", a.lease.Owner()).Msg("release reconcile lease")
		return
	}
	log.Info().Str("owner", a.lease.Owner()).Msg("reconcile lease released")
}

func runMigrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(context.Background(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close()
	log.Info().Str("db", cfg.DBPath).Msg("database migrated")
	return nil
}

func runSweep(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	rep := a.reconcile.Tick(ctx)
	if !rep.Skipped {
		a.releaseLease(ctx)
	}
	if rep.Skipped {
		log.Info().Msg("another instance holds the reconcile lease, nothing done")
	}
	if rep.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", rep.Errors)
	}
	return nil
}

func runServe(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reconcile.Run(ctx)
		a.releaseLease(ctx)
	}()

	if a.producer != nil {
		relay := queue.NewRelay(a.rdb, a.producer, cfg.EventStream, cfg.EventGroup, cfg.EventConsumer)
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, a.store)
		a.closers = append(a.closers, consumer.Close)
		wg.Add(2)
		go func() { defer wg.Done(); relay.Run(ctx) }()
		go func() { defer wg.Done(); consumer.Run(ctx) }()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())
	router.Setup(r, router.Deps{Store: a.store, Workflow: a.workflow, Redis: a.rdb, Config: cfg})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	wg.Wait()
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
