package main

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mission-council/internal/catalog"
	"github.com/sells-group/mission-council/internal/config"
	"github.com/sells-group/mission-council/internal/coupon"
	"github.com/sells-group/mission-council/internal/hint"
	"github.com/sells-group/mission-council/internal/judge"
	"github.com/sells-group/mission-council/internal/lock"
	"github.com/sells-group/mission-council/internal/metadata"
	"github.com/sells-group/mission-council/internal/metrics"
	"github.com/sells-group/mission-council/internal/mission"
	"github.com/sells-group/mission-council/internal/model"
	"github.com/sells-group/mission-council/internal/pipeline"
	"github.com/sells-group/mission-council/internal/resilience"
	"github.com/sells-group/mission-council/internal/store"
	"github.com/sells-group/mission-council/internal/workflow"
	anthropicpkg "github.com/sells-group/mission-council/pkg/anthropic"
)

// verdictJudgeName is the registry name of the caption + LLM mood judge.
const verdictJudgeName = "llm"

// appEnv holds everything the serve, mission and coupon commands share.
type appEnv struct {
	Store    store.Store
	Metrics  *metrics.Metrics
	Judges   *judge.Registry
	Breakers *resilience.Breakers
	Workflow *workflow.Service
	closers  []func()
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initEnv sets up the store, lock, catalog, judges and pipeline. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &appEnv{Metrics: metrics.New()}
	fail := func(err error) (*appEnv, error) {
		env.Close()
		return nil, err
	}

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		return fail(eris.Wrap(err, "migrate store"))
	}

	locker, closeLock, err := initLocker(ctx, cfg.Store, cfg.Redis)
	if err != nil {
		return fail(err)
	}
	env.closers = append(env.closers, closeLock)

	loc, err := time.LoadLocation(cfg.Mission.Timezone)
	if err != nil {
		return fail(eris.Wrapf(err, "load timezone %q", cfg.Mission.Timezone))
	}

	cat, err := catalog.Load(cfg.Mission.CatalogPath)
	if err != nil {
		return fail(err)
	}
	answers, err := pinnedAnswers(cfg.Mission, cat)
	if err != nil {
		return fail(err)
	}

	validator, err := initValidator(cfg.Mission, cfg.Geofence)
	if err != nil {
		return fail(err)
	}

	var gen *hint.Generator
	if cfg.Anthropic.Key != "" {
		gen = hint.New(anthropicpkg.NewClient(cfg.Anthropic.Key), hint.Config{
			Model:       cfg.Anthropic.Model,
			MaxTokens:   int64(cfg.Anthropic.MaxTokens),
			Definitions: cat.Definitions(),
		})
		zap.L().Info("hint generator enabled", zap.String("model", cfg.Anthropic.Model))
	} else {
		zap.L().Debug("MISSION_ANTHROPIC_KEY not set, generated hints and the llm judge are disabled")
	}

	env.Judges, env.Breakers = buildRegistry(cfg.Judges, cfg.Pipeline, gen)
	zap.L().Info("judges registered", zap.Strings("judges", env.Judges.Names()))

	missions := mission.NewService(st, locker, mission.Config{
		TTL:            time.Duration(cfg.Mission.TTLMinutes) * time.Minute,
		MaxSubmissions: cfg.Mission.MaxSubmissions,
	})
	coupons := coupon.NewService(st, locker, coupon.Config{
		DefaultDiscountRule: cfg.Coupon.DefaultDiscountRule,
		Lifetime:            time.Duration(cfg.Coupon.LifetimeDays) * 24 * time.Hour,
	}, coupon.WithRecorder(env.Metrics))

	p := pipeline.New(
		pipeline.FromConfig(cfg.Pipeline, cfg.Coupon.DefaultDiscountRule),
		validator, missions, env.Judges,
		pipeline.WithRecorder(env.Metrics),
	)

	opts := []workflow.Option{workflow.WithRecorder(env.Metrics)}
	if gen != nil {
		opts = append(opts, workflow.WithHintGenerator(gen))
	}
	env.Workflow = workflow.New(cat, missions, coupons, p, workflow.Config{
		DefaultSiteID:    cfg.Mission.DefaultSiteID,
		SiteRadiusMeters: cfg.Mission.SiteRadiusMeters,
		Location:         loc,
		Answers:          answers,
	}, opts...)

	return env, nil
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "mission.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

func initLocker(ctx context.Context, sc config.StoreConfig, rc config.RedisConfig) (lock.Locker, func(), error) {
	switch sc.Lock {
	case "", "local":
		return lock.NewLocal(), func() {}, nil
	case "redis":
		client := lock.NewRedisClient(rc.Addr, rc.Password, rc.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, eris.Wrapf(err, "ping redis %s", rc.Addr)
		}
		ttl := time.Duration(sc.LockTTLSecs) * time.Second
		zap.L().Info("using redis lock", zap.String("addr", rc.Addr))
		return lock.NewRedis(client, ttl), func() { _ = client.Close() }, nil
	default:
		return nil, nil, eris.Errorf("unsupported lock: %s", sc.Lock)
	}
}

func initValidator(mc config.MissionConfig, gc config.GeofenceConfig) (metadata.Validator, error) {
	if mc.SkipMetadata {
		zap.L().Warn("photo metadata checks disabled (mission.skip_metadata)")
		return metadata.AllowAll{}, nil
	}
	v, err := metadata.NewPolicyValidator(metadata.Geofence{
		MinLat: gc.MinLat,
		MaxLat: gc.MaxLat,
		MinLon: gc.MinLon,
		MaxLon: gc.MaxLon,
	}, mc.Timezone)
	if err != nil {
		return nil, eris.Wrap(err, "init metadata validator")
	}
	return v, nil
}

// buildRegistry registers an HTTP judge for every configured endpoint. Known
// judges without an explicit endpoint fall back to base_url. The llm verdict
// judge needs both a generator and a caption endpoint.
func buildRegistry(jc config.JudgesConfig, pc config.PipelineConfig, gen *hint.Generator) (*judge.Registry, *resilience.Breakers) {
	transport := judge.NewTransport(judge.TransportConfig{
		RateLimitRPS: jc.RateLimitRPS,
		Timeout:      time.Duration(pc.JudgeTimeoutSecs) * time.Second,
		Retry:        resilience.NewRetryPolicy(jc.RetryAttempts, jc.RetryBackoffMs),
		Breaker:      resilience.NewBreakerConfig(jc.CircuitFailures, jc.CircuitResetSecs),
	}, nil)

	endpoints := make(map[string]string, len(jc.Endpoints))
	for name, url := range jc.Endpoints {
		if url = strings.TrimSpace(url); url != "" {
			endpoints[strings.ToLower(strings.TrimSpace(name))] = url
		}
	}
	if base := strings.TrimRight(strings.TrimSpace(jc.BaseURL), "/"); base != "" {
		for _, name := range judge.KnownJudges {
			if _, ok := endpoints[name]; !ok {
				endpoints[name] = base + "/v1/judges/" + name
			}
		}
	}

	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := judge.NewRegistry()
	for _, name := range names {
		reg.Register(name, judge.NewHTTPJudge(name, endpoints[name], transport))
	}

	if gen != nil && jc.CaptionURL != "" {
		reg.Register(verdictJudgeName, judge.NewVerdictJudge(judge.NewHTTPCaptioner(jc.CaptionURL, transport), gen))
	}
	return reg, transport.Breakers()
}

// JudgeStates maps each judge endpoint that has been called to its circuit
// state.
func (e *appEnv) JudgeStates() map[string]string {
	if e.Breakers == nil {
		return nil
	}
	states := e.Breakers.States()
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	return out
}

// pinnedAnswers collects the configured answer per mission type and checks
// each one names a catalog entry.
func pinnedAnswers(mc config.MissionConfig, cat *catalog.Catalog) (map[model.MissionType]string, error) {
	answers := map[model.MissionType]string{}
	for mt, answer := range map[model.MissionType]string{
		model.MissionTypeLocation:   mc.DefaultAnswerLocation,
		model.MissionTypeAtmosphere: mc.DefaultAnswerAtmosphere,
	} {
		answer = strings.TrimSpace(answer)
		if answer == "" {
			continue
		}
		if _, err := cat.Today(time.Now(), mt, answer); err != nil {
			return nil, eris.Wrapf(err, "mission.default_answer_%s", mt)
		}
		answers[mt] = answer
	}
	return answers, nil
}
