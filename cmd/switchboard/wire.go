package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/broker"
	"github.com/linnemanlabs/switchboard/internal/broker/membroker"
	"github.com/linnemanlabs/switchboard/internal/broker/natsbroker"
	vc "github.com/linnemanlabs/switchboard/internal/cfg"
	"github.com/linnemanlabs/switchboard/internal/classify"
	"github.com/linnemanlabs/switchboard/internal/llm"
	"github.com/linnemanlabs/switchboard/internal/llm/claude"
	llmopenai "github.com/linnemanlabs/switchboard/internal/llm/openai"
	"github.com/linnemanlabs/switchboard/internal/notify/slack"
	"github.com/linnemanlabs/switchboard/internal/pipeline"
	"github.com/linnemanlabs/switchboard/internal/profile"
	"github.com/linnemanlabs/switchboard/internal/profile/memstore"
	"github.com/linnemanlabs/switchboard/internal/profile/pgstore"
	"github.com/linnemanlabs/switchboard/internal/profile/rediscache"
	"github.com/linnemanlabs/switchboard/internal/routing"
	"github.com/linnemanlabs/switchboard/internal/specialist"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// transport is the broker selected by -broker.
type transport struct {
	producer broker.Producer
	consumer func(ctx context.Context, name, subject string) (broker.Consumer, error)
	ready    func(context.Context) error
	close    func(context.Context) error
}

var errBrokerDisconnected = errors.New("broker disconnected")

func newTransport(ctx context.Context, c *vc.Config, L log.Logger) (*transport, error) {
	if c.Broker == vc.BrokerMemory {
		b := membroker.New(c.MaxDeliver)
		return &transport{
			producer: b,
			consumer: func(_ context.Context, name, subject string) (broker.Consumer, error) {
				return b.Consumer(name, subject), nil
			},
			ready: func(context.Context) error { return nil },
			close: func(context.Context) error { return nil },
		}, nil
	}

	nc := natsbroker.DefaultConfig(c.NATSURL)
	nc.AckWait = c.AckWait
	nc.MaxDeliver = c.MaxDeliver
	client, err := natsbroker.Connect(ctx, nc, L)
	if err != nil {
		return nil, err
	}
	return &transport{
		producer: client,
		consumer: func(ctx context.Context, name, subject string) (broker.Consumer, error) {
			cons, err := client.Consumer(ctx, name, subject)
			if err != nil {
				return nil, err
			}
			return cons, nil
		},
		ready: func(context.Context) error {
			if !client.IsConnected() {
				return errBrokerDisconnected
			}
			return nil
		},
		close: func(context.Context) error { return client.Close() },
	}, nil
}

func newProvider(c *vc.Config) (llm.Provider, error) {
	switch c.LLMProvider {
	case llm.ProviderClaude:
		return claude.New(c.ClaudeAPIKey, c.Model(), llm.DefaultMaxTokens), nil
	case llm.ProviderOpenAI:
		return llmopenai.New(llmopenai.Config{
			APIKey:    c.OpenAIAPIKey,
			BaseURL:   c.LLMBaseURL,
			Model:     c.Model(),
			MaxTokens: llm.DefaultMaxTokens,
		}), nil
	case llm.ProviderOllama:
		return llmopenai.NewOllama(c.LLMBaseURL, c.Model(), llm.DefaultMaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}
}

// newProfileStore picks PostgreSQL over the customers file and wraps either
// with the Redis cache when configured. With both a database and a customers
// file, the file seeds the database. A nil store disables enrichment.
func newProfileStore(ctx context.Context, c *vc.Config, L log.Logger) (profile.Store, func(), error) {
	var (
		store   profile.Store
		seedTo  profileWriter
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case c.DatabaseURL != "":
		pg, err := pgstore.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("pgstore init: %w", err)
		}
		closers = append(closers, pg.Close)
		store = pg
		if c.CustomersFile != "" {
			seedTo = pg
		}
		L.Info(ctx, "using postgres profile store")
	case c.CustomersFile != "":
		ms, err := memstore.Load(c.CustomersFile)
		if err != nil {
			return nil, closeAll, fmt.Errorf("load customers file: %w", err)
		}
		store = ms
		L.Info(ctx, "using file profile store", "path", c.CustomersFile, "customers", ms.Len())
	default:
		L.Info(ctx, "profile enrichment disabled (no database-url or customers-file configured)")
		return nil, closeAll, nil
	}

	var cache profileInvalidator
	if c.RedisURL != "" {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, func() { _ = client.Close() })
		rc := rediscache.New(client, store, c.ProfileCacheTTL, L)
		store, cache = rc, rc
		L.Info(ctx, "profile cache enabled", "ttl", c.ProfileCacheTTL)
	}

	if seedTo != nil {
		n, err := seedProfiles(ctx, c.CustomersFile, seedTo, cache, L)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("seed profiles: %w", err)
		}
		L.Info(ctx, "seeded customer profiles", "path", c.CustomersFile, "customers", n)
	}
	return store, closeAll, nil
}

type profileWriter interface {
	Put(ctx context.Context, customerID string, p ticket.Profile) error
}

type profileInvalidator interface {
	Invalidate(ctx context.Context, customerID string) error
}

// seedProfiles upserts every profile in the customers file into dst and
// drops any cached copy. cache may be nil.
func seedProfiles(ctx context.Context, path string, dst profileWriter, cache profileInvalidator, L log.Logger) (int, error) {
	ms, err := memstore.Load(path)
	if err != nil {
		return 0, fmt.Errorf("load customers file: %w", err)
	}
	profiles := ms.All()
	for id, p := range profiles {
		if err := dst.Put(ctx, id, p); err != nil {
			return 0, fmt.Errorf("put %s: %w", id, err)
		}
		if cache == nil {
			continue
		}
		if err := cache.Invalidate(ctx, id); err != nil {
			L.Warn(ctx, "profile cache invalidation failed", "customer_id", id, "err", err)
		}
	}
	return len(profiles), nil
}

func loadPolicy(c *vc.Config) (routing.Policy, error) {
	p := routing.Policy{Table: routing.DefaultTable(), Threshold: c.ConfidenceThreshold}
	if c.RoutesFile == "" {
		return p, nil
	}
	tb, err := routing.LoadTable(c.RoutesFile)
	if err != nil {
		return p, err
	}
	p.Table = tb
	return p, nil
}

// apiTokens splits the comma-separated -api-token value.
func apiTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// specialistsFor returns the specialist profiles agent runs.
func specialistsFor(agent string) []specialist.Profile {
	if agent == vc.AgentAll {
		names := specialist.Names()
		out := make([]specialist.Profile, 0, len(names))
		for _, n := range names {
			p, _ := specialist.Lookup(n)
			out = append(out, p)
		}
		return out
	}
	if p, ok := specialist.Lookup(agent); ok {
		return []specialist.Profile{p}
	}
	return nil
}

// specialistTopic is the topic the routing table sends p's tickets to.
func specialistTopic(p specialist.Profile, policy routing.Policy) string {
	if policy.Table != nil {
		if topic, ok := policy.Table.Routes[p.Type]; ok && topic != "" {
			return topic
		}
	}
	return p.Topic()
}

// stage is one consume loop.
type stage struct {
	name string
	run  func(context.Context) error
}

// stageDeps is everything the consume loops share.
type stageDeps struct {
	cfg       *vc.Config
	transport *transport
	provider  llm.Provider
	store     profile.Store
	policy    routing.Policy
	metrics   *pipeline.Metrics
	logger    log.Logger
}

func (d *stageDeps) options() pipeline.Options {
	return pipeline.Options{
		PollTimeout:    d.cfg.PollTimeout,
		PublishTimeout: d.cfg.PublishTimeout,
		RedeliverDelay: d.cfg.RedeliverDelay,
	}
}

// buildStages creates the consume loops the configured agent runs.
func buildStages(ctx context.Context, d *stageDeps) ([]stage, error) {
	if d.cfg.UsesEngine() && d.provider == nil {
		return nil, errors.New("llm provider is required unless -mock-llm is set")
	}

	var stages []stage
	agent := d.cfg.Agent

	if agent == vc.AgentTriage || agent == vc.AgentAll {
		cons, err := d.transport.consumer(ctx, pipeline.StageTriage+"-agent", routing.TopicEvents)
		if err != nil {
			return nil, fmt.Errorf("triage consumer: %w", err)
		}

		var classifier classify.Classifier = classify.Mock()
		if !d.cfg.MockLLM {
			classifier = classify.New(d.provider, d.cfg.LLMTimeout, d.logger, d.metrics.ClassifyHooks())
		}

		tc := pipeline.TriagerConfig{
			Consumer:   cons,
			Producer:   d.transport.producer,
			Classifier: classifier,
			Enricher:   profile.NewEnricher(d.store, d.cfg.ProfileTimeout, d.logger, d.metrics.ProfileHooks()),
			Policy:     d.policy,
			Logger:     d.logger,
			Hooks:      d.metrics.Hooks(),
			Options:    d.options(),
		}
		if d.cfg.SlackWebhookURL != "" {
			tc.Notifier = slack.New(d.cfg.SlackWebhookURL, d.logger)
		}
		stages = append(stages, stage{name: pipeline.StageTriage, run: pipeline.NewTriager(tc).Run})
	}

	for _, p := range specialistsFor(agent) {
		topic := specialistTopic(p, d.policy)
		cons, err := d.transport.consumer(ctx, p.ConsumerName(), topic)
		if err != nil {
			return nil, fmt.Errorf("%s consumer: %w", p.Name, err)
		}

		var gen specialist.Generator = specialist.Mock(p)
		if !d.cfg.MockLLM {
			gen = specialist.NewLLM(p, d.provider, d.cfg.LLMTimeout, d.logger, d.metrics.GenerateHooks())
		}

		sp := pipeline.NewSpecialist(pipeline.SpecialistConfig{
			Name:      p.Name,
			Consumer:  cons,
			Producer:  d.transport.producer,
			Generator: gen,
			Logger:    d.logger,
			Hooks:     d.metrics.Hooks(),
			Options:   d.options(),
		})
		stages = append(stages, stage{name: p.Name, run: sp.Run})
		d.logger.Info(ctx, "specialist configured", "specialist", p.Name, "topic", topic)
	}

	return stages, nil
}

// worker runs one stage in the background.
type worker struct {
	name string
	done chan struct{}
	err  error
}

func startWorker(ctx context.Context, s stage, exited chan<- string) *worker {
	w := &worker{name: s.name, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = s.run(ctx)
		exited <- s.name
	}()
	return w
}

// wait blocks until the stage returns or ctx expires.
func (w *worker) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return fmt.Errorf("%s did not stop: %w", w.name, ctx.Err())
	}
}

// waitAll waits for every worker within ctx and joins their errors.
func waitAll(workers []*worker) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, w := range workers {
			if err := w.wait(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// drainWait bounds how long shutdown waits for in-flight messages.
func drainWait(workers []*worker, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return
		}
	}
}
