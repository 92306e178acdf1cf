package fortunebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/fortunebot/fortunebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	ErrBotAlreadyRunning = errors.New("bot is already running")
)

// Bot wires together the record store, the content pool, the dispenser,
// the discord session and the status API.
type Bot struct {
	config *Config

	db    *gorm.DB
	store UserStore

	logger     *slog.Logger
	logHandler slog.Handler

	content   *Content
	dispenser *Dispenser
	router    *Router
	discord   *Discord
	api       *API

	// rng and now override the dispenser's random source and the
	// gate's clock, when set
	rng *rand.Rand
	now func() time.Time

	startedAt    time.Time
	runMu        sync.Mutex
	inflight     sync.WaitGroup
	inflightMu   sync.RWMutex
	shuttingDown atomic.Bool

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}
}

// New returns a Bot for the given config. The config isn't validated
// until Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"invalid database type %q (must be %q or %q)",
				config.DatabaseType,
				dbTypeSQLite,
				dbTypePostgres,
			),
		)
	}
	if config.Discord == nil || config.Dispenser == nil || config.API == nil {
		errs = append(errs, errors.New("incomplete config"))
		return nil, errors.Join(errs...)
	}
	setDefaultLevels(config)

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.httpClient = config.HTTPClient

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = newHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.discord = newDiscord(
		config.Discord,
		slog.New(newHandler(defaultLogWriter, config.Discord.LogLevel)),
	)
	b.discord.bot = b

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

// setDefaultLevels populates any nil log levels with their defaults
func setDefaultLevels(config *Config) {
	set := func(lv **slog.LevelVar, level slog.Level) {
		if *lv == nil {
			*lv = &slog.LevelVar{}
			(*lv).Set(level)
		}
	}
	set(&config.LogLevel, DefaultLogLevel)
	set(&config.DatabaseLogLevel, DefaultDatabaseLogLevel)
	set(&config.Discord.LogLevel, DefaultDiscordLogLevel)
	set(&config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel)
	set(&config.API.LogLevel, DefaultAPILogLevel)
}

func (b *Bot) ValidateConfig() error {
	return b.config.Validate()
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run starts the bot, and blocks until ctx is canceled or a component
// fails. Startup (database, content, meta record, discord connection)
// must finish within Config.StartupTimeout.
func (b *Bot) Run(ctx context.Context) error {
	if !b.runMu.TryLock() {
		return ErrBotAlreadyRunning
	}
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	b.shuttingDown.Store(false)
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		// initRun may still be opening the store, so let it return
		// before closing it
		startCancel()
		return errors.Join(
			errors.New("startup cancelled or timed out"),
			<-initErr,
			b.closeStore(),
		)
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return errors.Join(err, b.closeStore())
		}
		logger.InfoContext(ctx, "init complete")
	}

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return errors.Join(err, b.closeStore())
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.config.API.Enabled {
		g.Go(
			func() error {
				err := b.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api", tint.Err(err))
					return err
				}
				return nil
			},
		)
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}

	// block until the runtime context is canceled - generally from an
	// interrupt, or the API server failing
	g.Go(
		func() error {
			<-gctx.Done()
			return b.shutdown(ctx)
		},
	)
	return g.Wait()
}

// initRun opens the database, loads the content pool and seeds the meta
// record, before building the dispenser
func (b *Bot) initRun(ctx context.Context) error {
	if b.store == nil {
		if err := b.initDB(ctx); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
	}

	if b.content == nil {
		content, err := LoadContent(b.config.Dispenser.ContentFile)
		if err != nil {
			return fmt.Errorf("error loading content: %w", err)
		}
		b.content = content
	}
	b.logger.InfoContext(
		ctx,
		"loaded content",
		"templates", b.content.Size(),
		"aliases", len(b.content.Aliases),
	)

	if b.config.Dispenser.SharedPool {
		meta, created, err := InitMetaRecord(ctx, b.store, b.content.Size())
		if err != nil {
			return fmt.Errorf("error initializing meta record: %w", err)
		}
		if created {
			b.logger.InfoContext(ctx, "created meta record", "meta", meta)
		}
	}

	gate := NewGate(b.config.Dispenser.Cooldown)
	if b.now != nil {
		gate.Now = b.now
	}
	b.dispenser = NewDispenser(
		b.store,
		b.content,
		gate,
		b.config.Dispenser.SharedPool,
		b.rng,
		b.logger,
	)
	b.router = &Router{
		Prefix:         b.config.Dispenser.Prefix,
		FortuneRetired: b.config.Dispenser.FortuneRetired,
		Dispenser:      b.dispenser,
		Content:        b.content,
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	handler := newHandler(defaultLogWriter, b.config.DatabaseLogLevel)
	db, err := CreateDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		handler,
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	b.db = db
	b.store = NewDatabase(db, slog.New(handler))
	return nil
}

func (b *Bot) closeStore() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}

// initDiscordSession creates the discord session (if one wasn't already
// set), registers handlers and opens the gateway connection
func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession(
			ctx,
			newHandler(defaultLogWriter, b.config.Discord.DiscordGoLogLevel),
		)
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	b.discord.removeHandlers()
	b.discord.addHandlers()

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// shutdown closes the discord session, waits for in-flight messages
// to be handled (up to Config.ShutdownTimeout) and closes the database
func (b *Bot) shutdown(ctx context.Context) error {
	// inflight.Add can't race with the Wait below once the flag is set
	// under the write lock
	b.inflightMu.Lock()
	b.shuttingDown.Store(true)
	b.inflightMu.Unlock()
	shutdownStart := time.Now()
	b.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	var errs []error
	if b.discord.session != nil {
		b.discord.removeHandlers()
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
		b.discord.connected.Store(false)
	}

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight messages",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		errs = append(errs, errors.New("timed out waiting for in-flight messages"))
	}

	if err := b.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("error closing database: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		b.logger.ErrorContext(ctx, "shutdown finished with errors", tint.Err(err))
	} else {
		b.logger.InfoContext(ctx, "exiting!")
	}
	return err
}

// handleDiscordMessage handles a message received from the discord
// gateway. Messages from bots (including this one) are ignored.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.Message) {
	b.inflightMu.RLock()
	if b.shuttingDown.Load() {
		b.inflightMu.RUnlock()
		return
	}
	b.inflight.Add(1)
	b.inflightMu.RUnlock()
	defer b.inflight.Done()

	ctx, logger := b.getLogger(ctx)
	logger = logger.With(messageLogAttrs(m)...)
	ctx = WithLogger(ctx, logger)

	defer func() {
		handleRecover(ctx, logger, recover())
	}()

	author, ok := messageAuthor(m)
	if !ok {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if author.Bot || b.discord.isSelf(author.ID) {
		logger.DebugContext(ctx, "ignoring message from bot", "author", author)
		return
	}

	reply, ok := b.handleMessage(ctx, author, m.Content)
	if !ok {
		return
	}
	reply = truncate(reply, discordMaxMessageLength)
	if _, err := b.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		reply,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// handleMessage returns the reply to the given message text, and false
// if there should be no reply: either the message isn't a command, or
// handling it failed
func (b *Bot) handleMessage(ctx context.Context, author Author, text string) (
	string,
	bool,
) {
	ctx, logger := b.getLogger(ctx)
	if b.router == nil {
		logger.ErrorContext(ctx, "received message before startup finished")
		return "", false
	}

	reply, isCommand, err := b.router.Reply(ctx, author, text)
	if !isCommand {
		return "", false
	}
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error handling command",
			tint.Err(err),
			"author", author,
		)
		return "", false
	}
	logger.DebugContext(ctx, "handled command", "author", author, "text", text)
	return reply, true
}
