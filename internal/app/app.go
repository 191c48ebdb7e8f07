// Package app assembles the service from configuration: stores, the event
// bus, the task runner, the outbox relay, the cron sweeps and the HTTP
// surface. Both cmd/server and cmd/certctl build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"accredit/internal/awarding"
	"accredit/internal/awarding/credentials"
	deliverystore "accredit/internal/awarding/store"
	"accredit/internal/catalog"
	catalogcache "accredit/internal/catalog/cache"
	catalogstore "accredit/internal/catalog/store"
	certservice "accredit/internal/certificates/service"
	certstore "accredit/internal/certificates/store"
	"accredit/internal/eligibility"
	"accredit/internal/events"
	gradestore "accredit/internal/grades/store"
	"accredit/internal/ingest"
	jwttoken "accredit/internal/jwt_token"
	"accredit/internal/learners"
	learnerstore "accredit/internal/learners/store"
	"accredit/internal/notify"
	"accredit/internal/platform/config"
	"accredit/internal/platform/httpserver"
	"accredit/internal/platform/kafka/admin"
	"accredit/internal/platform/kafka/consumer"
	"accredit/internal/platform/kafka/producer"
	"accredit/internal/platform/metrics"
	"accredit/internal/platform/postgres"
	redisclient "accredit/internal/platform/redis"
	"accredit/internal/retirement/forum"
	retirementmodels "accredit/internal/retirement/models"
	retirementservice "accredit/internal/retirement/service"
	retirementstore "accredit/internal/retirement/store"
	"accredit/internal/scheduler"
	"accredit/internal/tasks"
	taskstore "accredit/internal/tasks/store"
	httptransport "accredit/internal/transport/http"
	verificationhandler "accredit/internal/verification/handler"
	"accredit/internal/verification/signature"
	verificationservice "accredit/internal/verification/service"
	verificationstore "accredit/internal/verification/store"
	"accredit/internal/verification/vendor"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/circuit"
	"accredit/pkg/platform/outbox"
	outboxmem "accredit/pkg/platform/outbox/memory"
	outboxpg "accredit/pkg/platform/outbox/postgres"
	pstrings "accredit/pkg/platform/strings"
	"accredit/pkg/requestcontext"
)

const topicPartitions = 3

// App holds every long-lived component. Exported fields are the entry
// points used by the operator CLI.
type App struct {
	holder *config.Holder
	logger *slog.Logger

	db       *sql.DB
	redis    *redisclient.Client
	producer *producer.Producer
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	outbox    outbox.Store
	bus       *events.Bus
	runner    *tasks.Runner
	relay     *outbox.Relay
	scheduler *scheduler.Scheduler
	ingestor  *ingest.Ingestor
	router    http.Handler

	Learners     LearnerStore
	Catalog      catalog.Reader
	Evaluator    *certservice.Evaluator
	Verification *verificationservice.Service
	Pipeline     *awarding.Pipeline
	Retirement   *retirementservice.Coordinator
}

type stores struct {
	outbox        outbox.Store
	certs         certificateStore
	grades        certservice.GradeStore
	verifications verificationservice.Store
	catalog       catalogBackend
	learners      LearnerStore
	deliveries    awarding.DeliveryStore
	tasks         tasks.Store
	retirement    retirementBackend
	tx            retirementservice.TxRunner
}

// LearnerStore is the learner directory. The rows are owned by the LMS;
// Create exists for seeding and tests.
type LearnerStore interface {
	retirementservice.LearnerStore
	Create(ctx context.Context, l learners.Learner) error
}

type certificateStore interface {
	certservice.CertificateStore
	awarding.CertificateReader
}

type catalogBackend interface {
	catalog.Reader
	catalogstore.Writer
}

type retirementBackend interface {
	retirementservice.Store
	SyncStates(ctx context.Context, states retirementmodels.States) error
}

// Build wires the service from the current snapshot in holder. Settings
// read per operation (eligibility policy, delivery settings) follow later
// snapshots swapped into holder.
func Build(ctx context.Context, holder *config.Holder, logger *slog.Logger) (*App, error) {
	cfg := holder.Get()
	a := &App{holder: holder, logger: logger}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	st, err := a.openStores(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.outbox = st.outbox
	a.Learners = st.learners

	if err := a.loadCatalog(ctx, cfg, st); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildCore(ctx, cfg, st); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildSweeps(cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.buildRouter(cfg)
	return a, nil
}

func (a *App) openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	if cfg.Database.DSN == "" {
		a.logger.Info("no database configured, using in-memory stores")
		ob := outboxmem.New()
		return stores{
			outbox:        ob,
			certs:         certstore.NewInMemory(ob),
			grades:        gradestore.NewInMemory(),
			verifications: verificationstore.NewInMemory(ob),
			catalog:       catalogstore.NewInMemory(),
			learners:      learnerstore.NewInMemory(),
			deliveries:    deliverystore.NewInMemory(),
			tasks:         taskstore.NewInMemory(),
			retirement:    retirementstore.NewInMemory(),
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return stores{}, err
	}
	a.db = db
	if err := postgres.Migrate(ctx, db); err != nil {
		return stores{}, err
	}
	ob := outboxpg.New(db)
	return stores{
		outbox:        ob,
		certs:         certstore.NewPostgres(db, ob),
		grades:        gradestore.NewPostgres(db),
		verifications: verificationstore.NewPostgres(db, ob),
		catalog:       catalogstore.NewPostgres(db),
		learners:      learnerstore.NewPostgres(db),
		deliveries:    deliverystore.NewPostgres(db),
		tasks:         taskstore.NewPostgres(db),
		retirement:    retirementstore.NewPostgres(db),
		tx:            newPostgresTx(db),
	}, nil
}

func (a *App) loadCatalog(ctx context.Context, cfg *config.Config, st stores) error {
	if cfg.Catalog.SeedFile != "" {
		courses, programs, err := catalogstore.LoadSeed(ctx, st.catalog, cfg.Catalog.SeedFile)
		if err != nil {
			return err
		}
		a.logger.Info("catalog seeded", "courses", courses, "programs", programs)
	}

	a.Catalog = st.catalog
	rc, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc == nil {
		return nil
	}
	a.redis = rc
	cached, err := catalogcache.New(st.catalog, rc.Client, cfg.Catalog.CacheTTL, catalogcache.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.Catalog = cached
	return nil
}

func (a *App) buildCore(ctx context.Context, cfg *config.Config, st stores) error {
	var err error
	a.bus = events.NewBus(a.logger)

	a.runner, err = tasks.NewRunner(st.tasks,
		tasks.WithLogger(a.logger),
		tasks.WithMetrics(tasks.NewMetrics(a.registry)),
		tasks.WithWorkers(cfg.Tasks.Workers),
		tasks.WithPollInterval(cfg.Tasks.PollInterval),
		tasks.WithLease(cfg.Tasks.Lease),
		tasks.WithHandlerBudget(cfg.Tasks.HandlerBudget),
	)
	if err != nil {
		return err
	}

	publishers := []outbox.Publisher{a.bus.OutboxPublisher()}
	var notifier notify.Notifier = notify.NewLogNotifier(a.logger)
	if len(cfg.Kafka.Brokers) > 0 {
		a.producer, err = producer.New(cfg.Kafka.Brokers, a.logger)
		if err != nil {
			return err
		}
		publishers = append(publishers, producer.NewOutboxPublisher(a.producer, cfg.Kafka.EventsTopic))
		notifier = notify.NewOutboxNotifier(st.outbox)
	}
	a.relay, err = outbox.NewRelay(st.outbox, publishers,
		outbox.WithLogger(a.logger),
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
	)
	if err != nil {
		return err
	}

	verificationOpts := []verificationservice.Option{
		verificationservice.WithLogger(a.logger),
		verificationservice.WithNotifier(notifier),
		verificationservice.WithExpiringSoonWindow(cfg.Verification.ExpiringSoonWindow()),
	}
	if cfg.Verification.VendorURL != "" {
		verificationOpts = append(verificationOpts, verificationservice.WithVendor(vendor.New(
			cfg.Verification.VendorURL,
			cfg.Verification.AccessKey,
			cfg.Verification.SecretKey,
			cfg.Verification.CallbackURL,
			cfg.Verification.VendorTimeout,
		)))
	}
	a.Verification, err = verificationservice.New(st.verifications, cfg.Verification.GoodFor(), verificationOpts...)
	if err != nil {
		return err
	}

	a.Evaluator, err = certservice.New(st.certs, st.grades, a.Verification, a.Catalog, a.runner,
		certservice.WithLogger(a.logger),
		certservice.WithMetrics(certservice.NewMetrics(a.registry)),
		certservice.WithTimeout(cfg.Certificates.EvaluationTimeout),
		certservice.WithPolicy(a.policy),
	)
	if err != nil {
		return err
	}
	a.Evaluator.Subscribe(a.bus)
	a.Evaluator.RegisterTasks(a.runner)

	api, err := a.credentialsAPI(cfg)
	if err != nil {
		return err
	}
	a.Pipeline, err = awarding.New(st.deliveries, st.certs, st.learners, a.Catalog, api, a.runner,
		awarding.WithLogger(a.logger),
		awarding.WithMetrics(awarding.NewMetrics(a.registry)),
		awarding.WithSettings(a.deliverySettings),
	)
	if err != nil {
		return err
	}
	a.Pipeline.Subscribe(a.bus)
	a.Pipeline.RegisterTasks(a.runner)

	if err := a.buildRetirement(ctx, cfg, st); err != nil {
		return err
	}

	a.ingestor, err = ingest.New(st.outbox, ingest.WithLogger(a.logger), ingest.WithMetrics(a.metrics))
	return err
}

func (a *App) buildRetirement(ctx context.Context, cfg *config.Config, st stores) error {
	states := retirementmodels.DefaultStates()
	if len(cfg.Retirement.States) > 0 {
		list := make([]retirementmodels.State, 0, len(cfg.Retirement.States))
		for _, s := range cfg.Retirement.States {
			list = append(list, retirementmodels.State{Name: s.Name, Order: s.Order, DeadEnd: s.DeadEnd, Required: s.Required})
		}
		var err error
		if states, err = retirementmodels.NewStates(list); err != nil {
			return fmt.Errorf("retirement states: %w", err)
		}
	}
	if err := st.retirement.SyncStates(ctx, states); err != nil {
		return fmt.Errorf("sync retirement states: %w", err)
	}

	hasher, err := retirementservice.NewHasher(cfg.Retirement.UsernameFormat, cfg.Retirement.EmailFormat, cfg.Retirement.Salts)
	if err != nil {
		return err
	}
	var forumClient retirementservice.ForumClient = unconfiguredForum{}
	if cfg.Forum.BaseURL != "" {
		if forumClient, err = forum.New(cfg.Forum.BaseURL, cfg.Forum.APIKey, cfg.Forum.Timeout); err != nil {
			return err
		}
	}
	a.Retirement, err = retirementservice.New(st.retirement, st.learners, forumClient, a.Evaluator, hasher,
		retirementservice.WithLogger(a.logger),
		retirementservice.WithStates(states),
		retirementservice.WithTx(st.tx),
	)
	return err
}

func (a *App) credentialsAPI(cfg *config.Config) (awarding.CredentialsAPI, error) {
	c := cfg.Credentials
	if c.BaseURL == "" {
		a.logger.Warn("credentials service not configured, deliveries stay pending")
		return unconfiguredCredentials{}, nil
	}
	tokens, err := jwttoken.NewServiceTokens(c.JWTSecret, c.JWTIssuer, c.ServiceUsername)
	if err != nil {
		return nil, err
	}
	breakerOpts := []circuit.Option{}
	if c.BreakerFailureThreshold > 0 {
		breakerOpts = append(breakerOpts, circuit.WithFailureThreshold(c.BreakerFailureThreshold))
	}
	return credentials.New(c.BaseURL, tokens, c.Timeout,
		credentials.WithLogger(a.logger),
		credentials.WithBreaker(circuit.New("credentials", breakerOpts...)),
	)
}

func (a *App) policy() eligibility.Policy {
	c := a.holder.Get().Certificates
	return eligibility.Policy{AutoCertGenEnabled: c.AutoCertGenEnabled, HTMLCertsEnabled: c.HTMLCertsEnabled}
}

func (a *App) deliverySettings() awarding.Settings {
	c := a.holder.Get().Credentials
	return awarding.Settings{
		Enabled:                     c.Enabled && c.BaseURL != "",
		RetryMax:                    c.RetryMax,
		ProgramsWithoutCertificates: pstrings.Normalize(c.ProgramsWithoutCertificates, strings.ToLower),
	}
}

func (a *App) buildSweeps(cfg *config.Config) error {
	a.scheduler = scheduler.New(scheduler.WithLogger(a.logger))

	if err := a.scheduler.Add("tasks.reap", cfg.Tasks.ReapSchedule, func(ctx context.Context) error {
		_, err := a.runner.Reap(ctx)
		return err
	}); err != nil {
		return err
	}

	retention := cfg.Outbox.Retention
	if err := a.scheduler.Add("outbox.purge", cfg.Outbox.PurgeSchedule, func(ctx context.Context) error {
		n, err := a.outbox.PurgePublished(ctx, requestcontext.Now(ctx).Add(-retention))
		if err == nil && n > 0 {
			a.logger.InfoContext(ctx, "purged published outbox entries", "count", n)
		}
		return err
	}); err != nil {
		return err
	}

	spec := cfg.Verification.ExpiringSoonSchedule
	return a.scheduler.Add("verification.expiring_soon", spec, func(ctx context.Context) error {
		now := requestcontext.Now(ctx)
		period, err := scheduler.Period(spec, now)
		if err != nil {
			return err
		}
		n, err := a.Verification.NotifyExpiringSoon(ctx, now, period)
		if err == nil && n > 0 {
			a.logger.InfoContext(ctx, "expiring-soon notices sent", "count", n)
		}
		return err
	})
}

func (a *App) buildRouter(cfg *config.Config) {
	checks := map[string]httptransport.HealthCheck{}
	if a.db != nil {
		checks["database"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	a.router = httptransport.NewRouter(httptransport.Deps{
		Logger:   a.logger,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Checks:   checks,
		Handlers: []httptransport.Registrar{
			httptransport.NewEventsHandler(a.ingestor, a.logger, a.metrics),
			verificationhandler.New(a.Verification,
				signature.NewVerifier(cfg.Verification.AccessKey, cfg.Verification.SecretKey),
				a.logger, a.metrics),
		},
	})
}

// Router is the HTTP surface.
func (a *App) Router() http.Handler { return a.router }

// Run serves HTTP and runs every background loop until ctx is cancelled or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.holder.Get()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpserver.Serve(ctx, httpserver.New(cfg.Server.Addr, a.router), cfg.Server.ShutdownTimeout, a.logger)
	})
	g.Go(func() error { return a.runner.Run(ctx) })
	g.Go(func() error { return a.relay.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })

	if len(cfg.Kafka.Brokers) > 0 {
		if err := admin.EnsureTopics(ctx, cfg.Kafka.Brokers, topicPartitions,
			cfg.Kafka.EventsTopic, cfg.Kafka.GradesTopic, cfg.Kafka.VerificationTopic); err != nil {
			return fmt.Errorf("ensure kafka topics: %w", err)
		}
		router := consumer.NewRouter(a.logger, nil)
		a.ingestor.RegisterTopics(router, cfg.Kafka.GradesTopic, cfg.Kafka.VerificationTopic)
		c, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, router.Topics(), router, a.logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return c.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Settle relays pending outbox entries and runs due tasks until neither
// has work left, for callers that do not run the background loops.
func (a *App) Settle(ctx context.Context) error {
	for {
		relayed, err := a.relay.Drain(ctx)
		if err != nil {
			return err
		}
		ran, err := a.runner.Drain(ctx)
		if err != nil {
			return err
		}
		if relayed == 0 && ran == 0 {
			return nil
		}
	}
}

// Persistent reports whether state outlives the process.
func (a *App) Persistent() bool { return a.db != nil }

func (a *App) Close() {
	if a.producer != nil {
		a.producer.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}

var errCredentialsUnconfigured = dErrors.New(dErrors.CodeUnavailable, "credentials service is not configured")

type unconfiguredCredentials struct{}

func (unconfiguredCredentials) AwardedPrograms(context.Context, string) ([]id.ProgramUUID, error) {
	return nil, errCredentialsUnconfigured
}

func (unconfiguredCredentials) Post(context.Context, credentials.Credential) (int, error) {
	return 0, errCredentialsUnconfigured
}

type unconfiguredForum struct{}

func (unconfiguredForum) RetireUser(context.Context, string, string) error {
	return dErrors.New(dErrors.CodeUnavailable, "forum service is not configured")
}
