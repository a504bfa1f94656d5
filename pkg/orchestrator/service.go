package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/assembler"
	"conversation-orchestrator/pkg/channel"
	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/constants"
	"conversation-orchestrator/pkg/crm"
	"conversation-orchestrator/pkg/dashboard"
	"conversation-orchestrator/pkg/executor"
	"conversation-orchestrator/pkg/gamedb"
	"conversation-orchestrator/pkg/handlers"
	"conversation-orchestrator/pkg/handover"
	"conversation-orchestrator/pkg/issueflow"
	"conversation-orchestrator/pkg/llm"
	"conversation-orchestrator/pkg/metrics"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/planner"
	"conversation-orchestrator/pkg/server"
	"conversation-orchestrator/pkg/session"
	"conversation-orchestrator/pkg/synth"
	"conversation-orchestrator/pkg/tickets"
)

// Service wires the orchestrator together. With a Redis client every piece
// of shared state lives in Redis so replicas can run side by side; without
// one everything is kept in process.
type Service struct {
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	store      session.Store
	tickets    *tickets.Service
	hub        *dashboard.Hub
	consumer   *dashboard.StreamConsumer
	retries    handover.RetryScheduler
	escalator  *handover.Escalator
	pipeline   *Pipeline
	dispatcher *Dispatcher
	handler    *handlers.Handler
	server     *http.Server

	started bool
}

// NewService builds the service. rdb may be nil for the in-memory backend;
// outbound channel, CRM, game database and OpenAI clients are created from
// the config and replaced by log-only or keyword fallbacks when unset.
func NewService(rdb *redis.Client, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *Service {
	var out handover.Channel = channel.NewLogChannel(logger)
	if cfg.PageAccessToken != "" {
		out = channel.NewMessenger(cfg.GraphAPIURL, cfg.PageAccessToken, cfg.SendRatePerSecond, logger, m)
	}
	return NewServiceWithChannel(rdb, cfg, out, logger, m, gatherer)
}

// NewServiceWithChannel is NewService with an explicit outbound channel.
func NewServiceWithChannel(rdb *redis.Client, cfg *config.Config, out handover.Channel, logger *logrus.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *Service {
	s := &Service{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		gatherer: gatherer,
		hub:      dashboard.NewHub(logger),
	}

	var (
		ticketStore tickets.Store
		locker      session.Locker
		notifier    handover.Notifier = s.hub
	)
	if rdb != nil {
		s.store = session.NewRedisStore(rdb, logger, m)
		ticketStore = tickets.NewRedisStore(rdb, logger, m)
		locker = session.NewRedisLocker(rdb, cfg.SessionLockTTLDuration(), logger)
		s.retries = handover.NewRedisRetryScheduler(rdb, cfg.HandoverRetryPoll(), logger)
		if cfg.DashboardMode == "stream" {
			notifier = dashboard.NewStreamPublisher(rdb, logger)
			s.consumer = dashboard.NewStreamConsumer(rdb, cfg.PodID, s.hub.Notify, logger, m).
				WithGroup(constants.DashboardConsumerGroup + ":" + cfg.PodID)
		}
	} else {
		s.store = session.NewMemoryStore(logger)
		ticketStore = tickets.NewMemoryStore()
		locker = session.NewLocalLocker()
		s.retries = handover.NewMemoryRetryScheduler(logger)
	}

	rules := cfg.Rules
	if rules == nil {
		rules = config.DefaultRules()
	}
	callTimeout := cfg.ExternalCallTimeout()

	s.tickets = tickets.NewService(ticketStore, notifier, logger, m)

	gameClient := gamedb.NewClient(cfg.GameDBURL, "", cfg.GameDBRPS, logger)
	exec := executor.New(executor.Options{Timeout: callTimeout, Parallel: cfg.ParallelActions}, logger).
		Register(models.ActionAPICall, gamedb.NewAPICall(gameClient)).
		Register(models.ActionKnowledgeSearch, gamedb.NewKnowledgeSearch(gameClient)).
		Register(models.ActionCreateTicket, s.tickets)

	var (
		plan   planner.Planner = planner.NewKeywordPlanner(rules, logger)
		scorer synth.Scorer    = synth.HeuristicScorer{}
	)
	if client := llm.NewOpenAIClient(cfg.OpenAIAPIKey); client != nil {
		plan = llm.NewPlanner(client, cfg.OpenAIModel, logger)
		scorer = llm.NewScorer(client, cfg.OpenAIModel, logger)
	}

	var history assembler.HistoryLookup
	if cfg.CRMURL != "" {
		history = crm.NewClient(cfg.CRMURL, "", logger)
	}

	synthesizer := synth.NewSynthesizer(synth.NewTemplates(rules))
	s.escalator = handover.NewEscalator(s.store, s.tickets, out, notifier, synthesizer, s.retries, handover.Options{
		HumanAgentAppID: cfg.HumanAgentAppID,
		MaxRetries:      cfg.HandoverConfirmAttempts,
		RetryBackoff:    cfg.HandoverRetryBackoff(),
		CallTimeout:     callTimeout,
	}, logger, m)

	s.pipeline = NewPipeline(Deps{
		Assembler: assembler.New(s.store, history, assembler.Options{
			DefaultChannel: cfg.Channel,
			RecentMaxAge:   cfg.RecentContextMaxAge(),
			HistoryTimeout: callTimeout,
		}, logger),
		Store:     s.store,
		Planner:   plan,
		Executor:  exec,
		Synth:     synthesizer,
		Gate:      synth.NewGate(synthesizer, scorer, cfg.QualityThreshold, cfg.QualityRetries, logger),
		Engine:    handover.NewEngine(rules, nil),
		Escalator: s.escalator,
		Issues:    issueflow.NewMachine(rules, cfg.IssueMaxAttempts),
		Tickets:   s.tickets,
		Channel:   out,
		Recorder:  m,
	}, Options{PlannerTimeout: callTimeout, SendTimeout: callTimeout}, logger)

	s.dispatcher = NewDispatcher(s.pipeline, s.escalator, locker, DispatcherOptions{
		Shards:       cfg.WorkerShards,
		RequeueLimit: cfg.RequeueLimit,
	}, logger)
	s.pipeline.WithSuperseded(s.dispatcher.Superseded)

	s.handler = handlers.NewHandler(s.dispatcher, s.store, s.escalator, s.tickets, s.hub, notifier, handlers.Options{
		PodID:       cfg.PodID,
		Channel:     cfg.Channel,
		AppSecret:   cfg.AppSecret,
		VerifyToken: cfg.VerifyToken,
	}, logger)

	return s
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("backend", s.backend()).Info("Starting conversation orchestrator")

	if s.consumer != nil {
		if err := s.consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dashboard consumer: %w", err)
		}
	}

	s.retries.Start(ctx, s.escalator.RetryConfirm)
	s.dispatcher.Start(ctx)
	s.started = true

	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.WithField("pod_id", s.config.PodID).Info("Conversation orchestrator started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping conversation orchestrator")

	var shutdownErr error
	// Stop HTTP server first so no new events are accepted
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			shutdownErr = err
		}
	}

	if s.started {
		s.dispatcher.Stop()
		s.retries.Stop()
		s.started = false
	}
	if s.consumer != nil {
		s.consumer.Stop()
	}

	s.logger.Info("Conversation orchestrator stopped")
	return shutdownErr
}

// Handler returns the HTTP routes without starting a listener.
func (s *Service) Handler() http.Handler {
	return server.NewRouter(s.handler, s.gatherer, s.logger)
}

func (s *Service) Store() session.Store {
	return s.store
}

func (s *Service) Tickets() *tickets.Service {
	return s.tickets
}

func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

func (s *Service) backend() string {
	if _, ok := s.store.(*session.RedisStore); ok {
		return "redis"
	}
	return "memory"
}

func (s *Service) startHTTPServer(ctx context.Context) error {
	s.server = server.NewHTTPServer(s.config, s.handler, s.gatherer, s.logger)

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return nil
}
