package bootstrap

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/campaigns"
	appconfig "github.com/wolfman30/autoreply/internal/config"
	"github.com/wolfman30/autoreply/internal/dispatch"
	"github.com/wolfman30/autoreply/internal/events"
	"github.com/wolfman30/autoreply/internal/friends"
	"github.com/wolfman30/autoreply/internal/lock"
	"github.com/wolfman30/autoreply/internal/messaging"
	"github.com/wolfman30/autoreply/internal/observability/metrics"
	"github.com/wolfman30/autoreply/internal/rules"
	"github.com/wolfman30/autoreply/internal/scenario"
	"github.com/wolfman30/autoreply/pkg/logging"
)

// Engine is the wired auto-response engine shared by the binaries.
type Engine struct {
	Dispatcher    *dispatch.Dispatcher
	Conversations scenario.Repository
	Gateway       messaging.Gateway
	Metrics       *metrics.DispatchMetrics

	closers []func()
}

// Close releases pools and clients in reverse order of creation.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

type stores struct {
	friends       friends.Repository
	segments      friends.SegmentRepository
	rules         rules.Repository
	conversations scenario.Repository
	campaigns     campaigns.Repository
	dedupe        events.Deduper
	logs          dispatch.LogStore
}

// BuildEngine connects the stores, the friend lock and the LINE gateway and
// returns a ready dispatcher. Without DATABASE_URL the engine runs on
// in-memory stores, which is refused in production.
func BuildEngine(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	production := strings.EqualFold(cfg.Env, "production")
	engine := &Engine{Metrics: metrics.NewDispatchMetrics(reg)}

	var st stores
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if production {
			return nil, errors.New("bootstrap: DATABASE_URL is required in production")
		}
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		st = memoryStores(logger)
	} else {
		pool, sqlDB, err := ConnectPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		engine.closers = append(engine.closers, pool.Close, func() { _ = sqlDB.Close() })
		st = stores{
			friends:       friends.NewPostgresRepository(pool),
			segments:      friends.NewPostgresSegmentRepository(pool),
			rules:         rules.NewPostgresRepository(pool, logger),
			conversations: scenario.NewPostgresRepository(pool, logger),
			campaigns:     campaigns.NewPostgresRepository(pool),
			dedupe:        events.NewProcessedStore(pool),
			logs:          dispatch.NewSQLLogStore(sqlDB),
		}
	}

	var redisClient *redis.Client
	if redisClient = BuildRedisClient(ctx, cfg, logger, true); redisClient != nil {
		engine.closers = append(engine.closers, func() { _ = redisClient.Close() })
	} else if production && strings.TrimSpace(cfg.RedisAddr) != "" {
		engine.Close()
		return nil, errors.New("bootstrap: redis configured but unreachable")
	}
	var locker lock.Locker
	if redisClient != nil {
		locker = BuildLocker(redisClient, cfg, logger)
	} else {
		locker = BuildLocker(nil, cfg, logger)
	}

	gateway, reason := messaging.BuildGateway(messaging.ProviderSelectionConfig{
		Env:           cfg.Env,
		LineBaseURL:   cfg.LineAPIBaseURL,
		ChannelTokens: cfg.LineChannelTokensJSON,
	}, logger)
	if gateway == nil {
		engine.Close()
		return nil, errors.New("bootstrap: messaging gateway unavailable: " + reason)
	}
	engine.Gateway = messaging.NewInstrumentedGateway(gateway, engine.Metrics, logger)
	engine.Conversations = st.conversations

	matcher := rules.NewMatcher(st.rules, logger,
		rules.WithSegments(st.segments),
		rules.WithPatternCache(rules.NewPatternCache(cfg.RegexCacheTTL)),
		rules.WithLocation(cfg.Location()),
		rules.WithMetrics(engine.Metrics),
	)
	starter := scenario.NewStarter(st.conversations, engine.Gateway, logger,
		scenario.WithFriendLookup(st.friends),
		scenario.WithSendTimeout(cfg.SendTimeout),
	)
	executor := actions.NewExecutor(st.friends, logger,
		actions.WithScenarioStarter(starter),
		actions.WithCampaignEnroller(st.campaigns),
		actions.WithMetrics(engine.Metrics),
	)

	engine.Dispatcher = dispatch.New(dispatch.Deps{
		Friends:       st.friends,
		Conversations: st.conversations,
		Matcher:       matcher,
		Triggers:      st.rules,
		Processor:     scenario.NewProcessor(logger),
		Starter:       starter,
		Executor:      executor,
		Gateway:       engine.Gateway,
		Locker:        locker,
		Logs:          st.logs,
		Dedupe:        st.dedupe,
	}, logger,
		dispatch.WithSendTimeout(cfg.SendTimeout),
		dispatch.WithMetrics(engine.Metrics),
	)
	return engine, nil
}

func memoryStores(logger *logging.Logger) stores {
	return stores{
		friends:       friends.NewInMemoryRepository(),
		segments:      friends.NewInMemorySegmentRepository(),
		rules:         rules.NewInMemoryRepository(),
		conversations: scenario.NewInMemoryRepository(logger),
		campaigns:     campaigns.NewInMemoryRepository(),
		dedupe:        events.NewMemoryStore(),
		logs:          dispatch.NewMemoryLogStore(),
	}
}
