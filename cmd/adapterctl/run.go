package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatmesh/adapters/internal/cache"
	"github.com/chatmesh/adapters/internal/conversation"
	"github.com/chatmesh/adapters/internal/dispatch"
	"github.com/chatmesh/adapters/internal/emoji"
	"github.com/chatmesh/adapters/internal/event"
	"github.com/chatmesh/adapters/internal/fileadapter"
	"github.com/chatmesh/adapters/internal/history"
	"github.com/chatmesh/adapters/internal/platform"
	"github.com/chatmesh/adapters/internal/queue"
	"github.com/chatmesh/adapters/internal/ratelimit"
	"github.com/chatmesh/adapters/internal/reaction"
	"github.com/chatmesh/adapters/internal/thread"
	"github.com/chatmesh/adapters/pkg/config"
	"github.com/chatmesh/adapters/pkg/logger"
	"github.com/chatmesh/adapters/pkg/socketio"
)

// fleet holds every per-adapter pipeline plus the shared infrastructure
// binding them together, so runServe's shutdown sequence has one place
// to reach for everything it needs to stop cleanly.
type fleet struct {
	log      *slog.Logger
	cfg      *config.Config
	registry *prometheus.Registry

	messages    *cache.MessageCache
	attachments *cache.AttachmentCache
	fileEvents  *fileadapter.FileEventCache

	adapters      map[string]dispatch.Adapter
	managers      map[string]*conversation.Manager
	outgoing      map[string]*event.OutgoingProcessor
	fetchers      map[string]*history.Fetcher
	builtLimiters []*ratelimit.Limiter
	queue         *queue.Queue
	dispatcher    *dispatch.Dispatcher
	server        *socketio.Server

	stopMaintenance func()
	stopFileSweep   func()
	metricsHTTP     *http.Server
}

func runServe(path string) {
	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatalf("adapterctl: %v", err)
	}
	if err := mustHaveOneAdapter(cfg); err != nil {
		log.Fatalf("adapterctl: %v", err)
	}

	lg, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("adapterctl: failed to initialize logger: %v", err)
	}
	lg.Info("starting adapter fleet", "adapters", enabledAdapterNames(cfg))

	f, err := buildFleet(cfg, lg.Logger)
	if err != nil {
		lg.Error("failed to build adapter fleet", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.start(ctx)
	lg.Info("adapter fleet running", "addr", cfg.Server.Addr, "path", cfg.Server.Path)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	lg.Info("shutting down")
	f.stop(ctx)
}

// newLogger translates pkg/config's "file" output sentinel (paired
// with a separate File field) into pkg/logger's own convention, where
// Output is either "stdout", "stderr", or a literal file path.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	output := cfg.Logging.Output
	if output == "file" {
		output = cfg.Logging.File
	}
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    output,
		Component: "adapterctl",
	})
}

// buildFleet wires every shared and per-adapter collaborator, gated
// by which adapters are enabled in cfg.
func buildFleet(cfg *config.Config, log *slog.Logger) (*fleet, error) {
	reg := prometheus.NewRegistry()

	messages := cache.NewMessageCache(cache.MessageCacheConfig{
		MaxMessagesPerConversation: cfg.Cache.MaxMessagesPerConversation,
		MaxTotalMessages:           cfg.Cache.MaxTotalMessages,
		MaxAgeHours:                cfg.Cache.MaxMessageAgeHours,
		MaintenanceInterval:        cfg.MaintenanceInterval(),
	}, log)
	reg.MustRegister(messages.Collector())

	attachments, err := cache.NewAttachmentCache(cache.AttachmentCacheConfig{
		MaxTotalAttachments: cfg.Cache.MaxTotalAttachments,
		MaxAgeDays:          cfg.Cache.MaxAttachmentAgeDays,
		MaintenanceInterval: cfg.MaintenanceInterval(),
		StorageDir:          cfg.Cache.AttachmentStorageDir,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("attachment cache: %w", err)
	}
	reg.MustRegister(attachments.Collector())

	converter := emoji.New()

	dbPath := filepath.Join(filepath.Dir(cfg.Server.PidFile), "outgoing.db")
	q, err := queue.New(context.Background(), queue.Config{
		DBPath:                  dbPath,
		Adapter:                 "fleet",
		MaxRetries:              5,
		DefaultPriority:         5,
		MaxQueueDepth:           10000,
		RetryBaseDelay:          time.Second,
		RetryMaxDelay:           time.Minute,
		ConnectionPool:          4,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		BatchMaxSize:            50,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	for _, c := range queue.Collectors() {
		reg.MustRegister(c)
	}

	f := &fleet{
		log:         log,
		cfg:         cfg,
		registry:    reg,
		messages:    messages,
		attachments: attachments,
		adapters:    make(map[string]dispatch.Adapter),
		managers:    make(map[string]*conversation.Manager),
		outgoing:    make(map[string]*event.OutgoingProcessor),
		fetchers:    make(map[string]*history.Fetcher),
		queue:       q,
	}

	server := socketio.NewServer(socketio.Config{
		Addr:              cfg.Server.Addr,
		Path:              cfg.Server.Path,
		MaxConnections:    cfg.Server.MaxConnections,
		RequestTimeout:    cfg.RequestTimeout(),
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		InactivityTimeout: cfg.InactivityTimeout(),
	}, log)
	f.server = server

	if cfg.Adapters.Discord.Enabled {
		if err := f.wireDiscord(cfg, converter, server); err != nil {
			return nil, err
		}
	}
	if cfg.Adapters.Slack.Enabled {
		if err := f.wireSlack(cfg, converter, server); err != nil {
			return nil, err
		}
	}
	if cfg.Adapters.Telegram.Enabled {
		if err := f.wireTelegram(cfg, converter, server); err != nil {
			return nil, err
		}
	}
	if cfg.Adapters.Zulip.Enabled {
		if err := f.wireZulip(cfg, converter, server); err != nil {
			return nil, err
		}
	}
	if cfg.Adapters.Local.Enabled {
		if err := f.wireLocal(cfg, converter, server); err != nil {
			return nil, err
		}
	}

	for _, lim := range f.limiters() {
		reg.MustRegister(lim.Collector())
	}

	f.dispatcher = dispatch.NewDispatcher(q, f.adapters, f.managers, log)
	server.Process = f.processOutgoingEvent

	return f, nil
}

// limiters returns the limiters each wireX function appended (through
// newPipeline) to a slice tracked on fleet, so Collector registration
// can happen once all adapters are wired.
func (f *fleet) limiters() []*ratelimit.Limiter {
	return f.builtLimiters
}

// processOutgoingEvent executes one queued bot command: parse the wire
// payload, validate and split it through the owning adapter's
// OutgoingProcessor, then either serve a history window or
// deliver each part synchronously through the dispatcher, collecting
// the resulting platform message ids for the request_success reply.
func (f *fleet) processOutgoingEvent(ctx context.Context, req socketio.OutgoingRequest) socketio.Result {
	cmd, err := event.ParseOutgoingEvent(req.EventType, req.Data)
	if err != nil {
		f.log.Warn("rejected outgoing event", "request_id", req.ID, "error", err)
		return socketio.Result{}
	}
	name := adapterPrefix(cmd.ConversationID)
	proc, ok := f.outgoing[name]
	if !ok {
		f.log.Warn("outgoing event for unknown adapter", "request_id", req.ID, "adapter", name)
		return socketio.Result{}
	}
	split, err := proc.Process(cmd)
	if err != nil {
		f.log.Warn("rejected invalid outgoing command", "request_id", req.ID, "error", err)
		return socketio.Result{}
	}

	if cmd.Kind == event.FetchHistory {
		return f.fetchHistory(ctx, name, cmd)
	}

	var messageIDs []string
	for _, c := range split {
		id, err := f.dispatcher.ExecuteSync(ctx, c)
		if err != nil {
			f.log.Warn("outgoing delivery failed", "request_id", req.ID, "error", err)
			return socketio.Result{}
		}
		if id != "" {
			messageIDs = append(messageIDs, id)
		}
	}
	return socketio.Result{Completed: true, MessageIDs: messageIDs}
}

// fetchHistory serves a fetch_history command from the adapter's
// HistoryFetcher. An unknown conversation completes with an empty
// window rather than failing the request.
func (f *fleet) fetchHistory(ctx context.Context, adapterName string, cmd event.OutgoingCommand) socketio.Result {
	fetcher, ok := f.fetchers[adapterName]
	mgr, hasMgr := f.managers[adapterName]
	if !ok || !hasMgr {
		return socketio.Result{}
	}
	conv, ok := mgr.ByCanonicalID(cmd.ConversationID)
	if !ok {
		return socketio.Result{Completed: true, History: []map[string]interface{}{}}
	}

	limit := cmd.Limit
	if limit <= 0 {
		limit = f.cfg.History.StartupLimit
	}
	side := history.Before
	if cmd.After > 0 && cmd.Before == 0 {
		side = history.After
	}
	msgs, err := fetcher.Fetch(ctx, conv, history.Params{
		ConversationID:         cmd.ConversationID,
		PlatformConversationID: conv.PlatformConversationID,
		AnchorMessageID:        cmd.AnchorMessageID,
		Anchor:                 side,
		Before:                 cmd.Before,
		After:                  cmd.After,
		Limit:                  limit,
	})
	if err != nil {
		f.log.Warn("history fetch failed", "conversation_id", cmd.ConversationID, "error", err)
		return socketio.Result{}
	}
	return socketio.Result{Completed: true, History: event.HistoryPayload(msgs)}
}

func adapterPrefix(conversationID string) string {
	for i, r := range conversationID {
		if r == '_' {
			return conversationID[:i]
		}
	}
	return conversationID
}

func (f *fleet) start(ctx context.Context) {
	stopMessages := f.messages.StartMaintenance()
	stopAttachments := f.attachments.StartMaintenance()
	f.stopMaintenance = func() {
		stopMessages()
		stopAttachments()
	}
	if f.fileEvents != nil {
		f.stopFileSweep = f.fileEvents.StartSweep()
	}

	f.metricsHTTP = startMetricsServer(":9090", f.registry, f.log)

	go f.dispatcher.Run(ctx, 250*time.Millisecond)

	if err := f.server.Start(); err != nil {
		f.log.Error("socketio server failed to start", "error", err)
	}
}

func (f *fleet) stop(ctx context.Context) {
	if f.server != nil {
		_ = f.server.Stop()
	}
	if f.stopMaintenance != nil {
		f.stopMaintenance()
	}
	if f.stopFileSweep != nil {
		f.stopFileSweep()
	}
	if f.metricsHTTP != nil {
		stopMetricsServer(f.metricsHTTP)
	}
	if f.queue != nil {
		_ = f.queue.Shutdown(ctx)
	}
}

// newPipeline builds the shared-shape collaborators (limiter, manager,
// thread/reaction handlers) every platform adapter needs, leaving only
// the platform-specific REST client construction to the caller.
func newPipeline(adapterName, botUserID string, rl ratelimit.Config, extract thread.CueExtractor, mentions conversation.MentionExtractor, f *fleet, log *slog.Logger, converter *emoji.Converter) (*ratelimit.Limiter, *conversation.Manager) {
	limiter := ratelimit.New(rl)
	f.builtLimiters = append(f.builtLimiters, limiter)

	threads := thread.NewHandler(extract, f.messages.GetMessageByID)
	reactions := reaction.NewHandler(converter, adapterName)

	mgr := conversation.NewManager(conversation.Config{
		Adapter:         adapterName,
		BotUserID:       botUserID,
		Messages:        f.messages,
		Attachments:     f.attachments,
		Threads:         threads,
		Reactions:       reactions,
		ExtractMentions: mentions,
	}, log)

	return limiter, mgr
}

func (f *fleet) historyFetcher(batchSize, maxConcurrency int, limiter *ratelimit.Limiter, api history.API) *history.Fetcher {
	return history.NewFetcher(history.Config{
		BatchSize:      batchSize,
		MaxConcurrency: maxConcurrency,
	}, f.messages, limiter, api)
}

func (f *fleet) wireDiscord(cfg *config.Config, converter *emoji.Converter, server *socketio.Server) error {
	log := f.log.With("adapter", "discord")
	ac := cfg.Adapters.Discord
	limiter, mgr := newPipeline("discord", ac.BotUserID, ratelimit.Config{
		GlobalRPM: cfg.RateLimit.GlobalRPM, PerConversationRPM: cfg.RateLimit.PerConversationRPM, MessageRPM: cfg.RateLimit.MessageRPM,
	}, thread.DiscordReplyTo, platform.DiscordMentionExtractor, f, log, converter)

	base := platform.Base{
		Manager:      mgr,
		Limiter:      limiter,
		Emoji:        converter,
		Incoming:     event.NewIncomingProcessor(),
		Attachments:  f.attachments,
		HistoryLimit: cfg.History.StartupLimit,
		Log:          log,
		Emit:         func(ev event.Event) { server.EmitEvent("discord", ev) },
	}
	if ac.OAuth.RefreshToken != "" {
		base.HTTPClient = platform.NewOAuthHTTPClient(context.Background(), platform.OAuthRefreshConfig{
			ClientID:     ac.OAuth.ClientID,
			ClientSecret: ac.OAuth.ClientSecret,
			TokenURL:     ac.OAuth.TokenURL,
			RefreshToken: ac.OAuth.RefreshToken,
		})
	}
	d := platform.NewDiscord(base, ac.BotToken, ac.GuildID)
	d.Fetcher = f.historyFetcher(cfg.History.BatchSize, cfg.History.MaxConcurrency, limiter, d)
	f.fetchers["discord"] = d.Fetcher
	d.Outgoing = event.NewOutgoingProcessor(ac.MaxMessageLength)

	f.adapters["discord"] = d
	f.managers["discord"] = mgr
	f.outgoing["discord"] = d.Outgoing
	return nil
}

func (f *fleet) wireSlack(cfg *config.Config, converter *emoji.Converter, server *socketio.Server) error {
	log := f.log.With("adapter", "slack")
	ac := cfg.Adapters.Slack
	limiter, mgr := newPipeline("slack", ac.BotUserID, ratelimit.Config{
		GlobalRPM: cfg.RateLimit.GlobalRPM, PerConversationRPM: cfg.RateLimit.PerConversationRPM, MessageRPM: cfg.RateLimit.MessageRPM,
	}, thread.SlackThreadTS, platform.SlackMentionExtractor, f, log, converter)

	base := platform.Base{
		Manager:      mgr,
		Limiter:      limiter,
		Emoji:        converter,
		Incoming:     event.NewIncomingProcessor(),
		Attachments:  f.attachments,
		HistoryLimit: cfg.History.StartupLimit,
		Log:          log,
		Emit:         func(ev event.Event) { server.EmitEvent("slack", ev) },
	}
	if ac.OAuth.RefreshToken != "" {
		base.HTTPClient = platform.NewOAuthHTTPClient(context.Background(), platform.OAuthRefreshConfig{
			ClientID:     ac.OAuth.ClientID,
			ClientSecret: ac.OAuth.ClientSecret,
			TokenURL:     ac.OAuth.TokenURL,
			RefreshToken: ac.OAuth.RefreshToken,
		})
	}
	s := platform.NewSlack(base, ac.BotToken)
	s.Fetcher = f.historyFetcher(cfg.History.BatchSize, cfg.History.MaxConcurrency, limiter, s)
	f.fetchers["slack"] = s.Fetcher
	s.Outgoing = event.NewOutgoingProcessor(ac.MaxMessageLength)

	f.adapters["slack"] = s
	f.managers["slack"] = mgr
	f.outgoing["slack"] = s.Outgoing
	return nil
}

func (f *fleet) wireTelegram(cfg *config.Config, converter *emoji.Converter, server *socketio.Server) error {
	log := f.log.With("adapter", "telegram")
	ac := cfg.Adapters.Telegram
	limiter, mgr := newPipeline("telegram", ac.BotUserID, ratelimit.Config{
		GlobalRPM: cfg.RateLimit.GlobalRPM, PerConversationRPM: cfg.RateLimit.PerConversationRPM, MessageRPM: cfg.RateLimit.MessageRPM,
	}, thread.TelegramReplyTo, platform.TelegramMentionExtractor, f, log, converter)

	base := platform.Base{
		Manager:      mgr,
		Limiter:      limiter,
		Emoji:        converter,
		Incoming:     event.NewIncomingProcessor(),
		Attachments:  f.attachments,
		HistoryLimit: cfg.History.StartupLimit,
		Log:          log,
		Emit:         func(ev event.Event) { server.EmitEvent("telegram", ev) },
	}
	t := platform.NewTelegram(base, ac.BotToken)
	t.Fetcher = f.historyFetcher(cfg.History.BatchSize, cfg.History.MaxConcurrency, limiter, t)
	f.fetchers["telegram"] = t.Fetcher
	t.Outgoing = event.NewOutgoingProcessor(ac.MaxMessageLength)

	f.adapters["telegram"] = t
	f.managers["telegram"] = mgr
	f.outgoing["telegram"] = t.Outgoing
	return nil
}

func (f *fleet) wireZulip(cfg *config.Config, converter *emoji.Converter, server *socketio.Server) error {
	log := f.log.With("adapter", "zulip")
	ac := cfg.Adapters.Zulip
	mentionExtractor := platform.NewZulipMentionExtractor(ac.BotFullName, ac.BotUserID)
	limiter, mgr := newPipeline("zulip", ac.BotUserID, ratelimit.Config{
		GlobalRPM: cfg.RateLimit.GlobalRPM, PerConversationRPM: cfg.RateLimit.PerConversationRPM, MessageRPM: cfg.RateLimit.MessageRPM,
	}, thread.ZulipQuoteLink, mentionExtractor, f, log, converter)

	base := platform.Base{
		Manager:      mgr,
		Limiter:      limiter,
		Emoji:        converter,
		Incoming:     event.NewIncomingProcessor(),
		Attachments:  f.attachments,
		HistoryLimit: cfg.History.StartupLimit,
		Log:          log,
		Emit:         func(ev event.Event) { server.EmitEvent("zulip", ev) },
	}
	z := platform.NewZulip(base, ac.Site, ac.BotEmail, ac.APIKey)
	z.Fetcher = f.historyFetcher(cfg.History.BatchSize, cfg.History.MaxConcurrency, limiter, z)
	f.fetchers["zulip"] = z.Fetcher
	z.Outgoing = event.NewOutgoingProcessor(ac.MaxMessageLength)

	f.adapters["zulip"] = z
	f.managers["zulip"] = mgr
	f.outgoing["zulip"] = z.Outgoing
	return nil
}

func (f *fleet) wireLocal(cfg *config.Config, converter *emoji.Converter, server *socketio.Server) error {
	log := f.log.With("adapter", "local")
	ac := cfg.Adapters.Local
	limiter, mgr := newPipeline("local", "", ratelimit.Config{
		GlobalRPM: cfg.RateLimit.GlobalRPM, PerConversationRPM: cfg.RateLimit.PerConversationRPM, MessageRPM: cfg.RateLimit.MessageRPM,
	}, func(interface{}) (string, bool) { return "", false }, nil, f, log, converter)

	events, err := fileadapter.NewFileEventCache(fileadapter.Config{
		BackupDir:        cfg.FileStore.BackupDir,
		MaxAge:           time.Duration(cfg.FileStore.MaxAgeHours) * time.Hour,
		MaxEventsPerFile: cfg.FileStore.MaxEventsPerFile,
		SweepInterval:    cfg.FileSweepInterval(),
	}, log)
	if err != nil {
		return fmt.Errorf("local file event cache: %w", err)
	}
	f.fileEvents = events

	base := platform.Base{
		Manager:      mgr,
		Limiter:      limiter,
		Emoji:        converter,
		Incoming:     event.NewIncomingProcessor(),
		Attachments:  f.attachments,
		HistoryLimit: cfg.History.StartupLimit,
		Log:          log,
		Emit:         func(ev event.Event) { server.EmitEvent("local", ev) },
	}
	l := platform.NewLocal(base, ac.RootDir, events)
	l.Fetcher = f.historyFetcher(cfg.History.BatchSize, cfg.History.MaxConcurrency, limiter, l)
	f.fetchers["local"] = l.Fetcher
	l.Outgoing = event.NewOutgoingProcessor(ac.MaxMessageLength)

	f.adapters["local"] = l
	f.managers["local"] = mgr
	f.outgoing["local"] = l.Outgoing
	return nil
}
