package app

import (
	"context"
	"fmt"
	"io"

	"github.com/kapu/nominator-track-go/internal/config"
	"github.com/kapu/nominator-track-go/internal/domain"
	"github.com/kapu/nominator-track-go/internal/osu"
	"github.com/kapu/nominator-track-go/internal/service/auth"
	"github.com/kapu/nominator-track-go/internal/service/cache"
	"github.com/kapu/nominator-track-go/internal/service/notification"
	"github.com/kapu/nominator-track-go/internal/service/tracker"
	"github.com/kapu/nominator-track-go/internal/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Container bundles the assembled services of a running tracker.
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Tracker *tracker.Tracker
	Bus     *notification.Bus

	closers []func() error
}

// Console carries the terminal used by the interactive authorization step.
type Console struct {
	In  io.Reader
	Out io.Writer
}

// Build resolves credentials, wires the osu! client, notification bus and sink,
// and seeds the tracker's membership. Any failure here is fatal to startup.
// ctx must outlive the container: it bounds token refreshes for the whole run.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, console Console) (container *Container, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	osuClient, err := NewOsuClient(ctx, cfg, logger, console)
	if err != nil {
		return nil, err
	}

	// Notification
	report := util.LogErrorReporter(logger)
	bus := notification.NewBus(report, logger)

	deduper, dedupeCloser, err := buildDeduper(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if dedupeCloser != nil {
		closers = append(closers, dedupeCloser)
	}

	sink, err := notification.NewWebhookSink(notification.WebhookConfig{
		URL:        cfg.Notification.WebhookURL,
		SiteURL:    osuClient.BaseURL(),
		RetryOn429: cfg.Notification.RetryOn429,
		Deduper:    deduper,
		DedupeTTL:  cfg.Notification.DedupeTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook sink: %w", err)
	}
	for _, kind := range cfg.Notification.Events {
		if err := bus.Subscribe(domain.EventKind(kind), "discord-webhook", sink.OnChange); err != nil {
			return nil, fmt.Errorf("failed to subscribe webhook sink: %w", err)
		}
	}

	// Tracker
	trk := tracker.NewTracker(osuClient, bus, tracker.Options{
		Tiers: []tracker.TierGroup{
			{Tier: domain.TierProbation, GroupID: cfg.Osu.ProbationGroupID},
			{Tier: domain.TierFull, GroupID: cfg.Osu.FullGroupID},
		},
		CheckInterval: cfg.Poll.CheckInterval,
		SyncInterval:  cfg.Poll.SyncInterval,
		Report:        report,
	}, logger)

	if err := trk.InitializeMembership(ctx); err != nil {
		return nil, err
	}

	logger.Info("Tracker assembled",
		zap.Strings("notify_events", cfg.Notification.Events),
		zap.Int("members", trk.Snapshot().Count()),
		zap.Bool("dedupe", deduper != nil))

	return &Container{
		Config:  cfg,
		Logger:  logger,
		Tracker: trk,
		Bus:     bus,
		closers: closers,
	}, nil
}

// NewOsuClient resolves a token (file, then config, then the interactive flow)
// and returns an osu! client whose API calls carry it.
func NewOsuClient(ctx context.Context, cfg *config.Config, logger *zap.Logger, console Console) (*osu.Client, error) {
	tokenPath := cfg.Token.File
	if tokenPath == "" {
		var err error
		tokenPath, err = auth.DefaultTokenPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve token path: %w", err)
		}
	}

	oauthCfg := auth.NewOAuthConfig(cfg.Osu.BaseURL, cfg.Osu.ClientID, cfg.Osu.ClientSecret, cfg.Osu.CallbackAddr)
	acquirer := auth.NewAcquirer(auth.AcquirerConfig{
		OAuth:        oauthCfg,
		CallbackAddr: cfg.Osu.CallbackAddr,
		Input:        console.In,
		Output:       console.Out,
	}, logger)

	var initial *oauth2.Token
	if cfg.Token.AccessToken != "" {
		initial = &oauth2.Token{
			AccessToken:  cfg.Token.AccessToken,
			RefreshToken: cfg.Token.RefreshToken,
			TokenType:    "Bearer",
		}
	}

	authenticator := auth.NewAuthenticator(oauthCfg, auth.NewFileTokenStore(tokenPath), acquirer, initial, logger)
	apiHTTPClient, err := authenticator.HTTPClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return osu.NewClient(cfg.Osu.BaseURL, apiHTTPClient, logger), nil
}

// buildDeduper picks Redis when configured. Without Redis an in-memory deduper
// is used only when the sink listens to several event kinds.
func buildDeduper(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notification.Deduper, func() error, error) {
	if cfg.Redis.Host != "" {
		cacheSvc, err := cache.NewCacheService(ctx, cache.CacheConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create cache service: %w", err)
		}
		return notification.NewRedisDeduper(cacheSvc), cacheSvc.Close, nil
	}
	if len(cfg.Notification.Events) > 1 {
		return notification.NewMemoryDeduper(), nil, nil
	}
	return nil, nil, nil
}

// Shutdown stops the tracker, drains pending notifications and releases
// resources. Every step runs; their errors are combined.
func (c *Container) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	err := c.Tracker.Shutdown(ctx)
	err = multierr.Append(err, c.Bus.Close(ctx))
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.closers[i]())
	}
	c.closers = nil
	return err
}
