// Package main provides the omnishuffle entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/osa030/omnishuffle/internal/app/playback"
	"github.com/osa030/omnishuffle/internal/app/proxy"
	"github.com/osa030/omnishuffle/internal/app/queue"
	"github.com/osa030/omnishuffle/internal/app/scrobble"
	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/infra/banstore"
	"github.com/osa030/omnishuffle/internal/infra/config"
	"github.com/osa030/omnishuffle/internal/infra/lastfm"
	"github.com/osa030/omnishuffle/internal/infra/logger"
	"github.com/osa030/omnishuffle/internal/infra/mpv"
	"github.com/osa030/omnishuffle/internal/infra/pandora"
	"github.com/osa030/omnishuffle/internal/infra/spotify"
	"github.com/osa030/omnishuffle/internal/infra/tor"
	"github.com/osa030/omnishuffle/internal/infra/ytmusic"
)

var (
	app        = kingpin.New("omnishuffle", "Shuffle player across streaming sources")
	configPath = app.Flag("config", "Path to config file").Default("config.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stderr)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	// Load config first so file-level log settings apply, then let flags win.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{Level: cfg.Log.Level, File: cfg.Log.File}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Err(err).Msg("session error")
		os.Exit(1)
	}
}

// run executes the main session logic. Using a separate function ensures
// defer statements run even when returning with an error.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	zlog.Info().Str("run_id", runID).Msg("starting omnishuffle")

	adapters := buildAdapters(ctx, cfg)
	if len(adapters) == 0 {
		return fmt.Errorf("no usable sources; check configuration and credentials")
	}

	bans, err := banstore.Open(cfg.BanList.Path)
	if err != nil {
		return fmt.Errorf("failed to open ban list: %w", err)
	}
	defer bans.Close()

	q := queue.New(adapters, bans, queue.Config{
		LowWater:      cfg.Queue.LowWater,
		RecentHistory: cfg.Queue.RecentHistory,
	})

	scrobbles := scrobble.New(buildSink(cfg), scrobble.Config{})

	player := mpv.New(mpv.Config{
		Binary:    cfg.Player.Binary,
		IPCSocket: cfg.Player.IPCSocket,
	})
	if err := player.Start(ctx); err != nil {
		return fmt.Errorf("failed to start player: %w", err)
	}

	session := playback.NewSession(q, player, scrobbles, playback.Config{
		DebounceWindow: time.Duration(cfg.Playback.DebounceMs) * time.Millisecond,
		IdlePoll:       time.Duration(cfg.Playback.IdlePollSec) * time.Second,
		VolumeStep:     cfg.Playback.VolumeStep,
		InitialVolume:  cfg.Playback.Volume,
	})

	restore, err := rawTerminal()
	if err != nil {
		zlog.Warn().Err(err).Msg("raw terminal unavailable, key input disabled")
	} else {
		defer restore()
		go readKeys(session)
	}

	go statusLoop(ctx, session)

	err = session.Run(ctx)
	fmt.Print("\r\033[2K") // leave a clean prompt line behind
	if err == context.Canceled {
		return nil
	}
	return err
}

// buildAdapters constructs one adapter per configured source. A source that
// fails to initialize is reported and skipped; playback continues with
// whatever remains.
func buildAdapters(ctx context.Context, cfg *config.Config) []source.Adapter {
	var adapters []source.Adapter
	for _, sc := range cfg.Sources {
		adapter, err := buildAdapter(ctx, cfg, sc)
		if err != nil {
			zlog.Warn().Err(err).Str("source", sc.Type).Msg("source unavailable, continuing without it")
			continue
		}
		zlog.Info().Str("source", sc.Type).Msg("source connected")
		adapters = append(adapters, adapter)
	}
	return adapters
}

func buildAdapter(ctx context.Context, cfg *config.Config, sc config.SourceConfig) (source.Adapter, error) {
	switch sc.Type {
	case "spotify":
		return spotify.New(ctx, sc.Settings)

	case "pandora":
		controller, err := tor.New(tor.Config{
			ControlAddr:     cfg.Proxy.ControlAddr,
			ControlPassword: cfg.Proxy.ControlPassword,
			SocksAddr:       cfg.Proxy.SocksAddr,
		})
		if err != nil {
			return nil, err
		}
		manager := proxy.NewManager(controller, proxy.Config{
			AllowedCountries: cfg.Proxy.AllowedCountries,
			MaxAttempts:      cfg.Proxy.MaxAttempts,
			Backoff:          time.Duration(cfg.Proxy.BackoffMs) * time.Millisecond,
		})
		if err := manager.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("proxy session: %w", err)
		}
		zlog.Info().Str("exit_country", manager.ExitCountry()).Msg("proxy verified")

		if sc.Settings == nil {
			sc.Settings = make(map[string]any)
		}
		if _, ok := sc.Settings["socks_addr"]; !ok {
			sc.Settings["socks_addr"] = cfg.Proxy.SocksAddr
		}
		inner, err := pandora.New(sc.Settings)
		if err != nil {
			return nil, err
		}
		return proxy.Guard(inner, manager), nil

	case "youtube":
		return ytmusic.New(sc.Settings)
	}
	return nil, fmt.Errorf("unknown source type %q", sc.Type)
}

func buildSink(cfg *config.Config) scrobble.Sink {
	if !cfg.Scrobble.Enabled {
		return nil
	}
	sink, err := lastfm.New(lastfm.Config{
		APIKey:    cfg.Scrobble.APIKey,
		APISecret: cfg.Scrobble.APISecret,
		Username:  cfg.Scrobble.Username,
		Password:  cfg.Scrobble.Password,
	})
	if err != nil {
		zlog.Warn().Err(err).Msg("scrobbling disabled")
		return nil
	}
	return sink
}

func rawTerminal() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, state) }, nil
}

// readKeys maps single keystrokes onto session intents, pianobar style.
func readKeys(session *playback.Session) {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return
		}
		switch buf[0] {
		case 'n':
			session.Post(playback.IntentSkip)
		case 'p', ' ':
			session.Post(playback.IntentTogglePause)
		case '+':
			session.Post(playback.IntentLove)
		case '-':
			session.Post(playback.IntentBan)
		case 'S':
			session.Post(playback.IntentShuffle)
		case ')':
			session.Post(playback.IntentVolumeUp)
		case '(':
			session.Post(playback.IntentVolumeDown)
		case 'q', 3: // 3 is ctrl-c in raw mode
			session.Post(playback.IntentQuit)
			return
		}
	}
}

// statusLoop redraws the single status line on stdout.
func statusLoop(ctx context.Context, session *playback.Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("\r\033[2K%s", statusLine(session))
		}
	}
}

func statusLine(session *playback.Session) string {
	t, ok := session.CurrentTrack()
	if !ok {
		return fmt.Sprintf(" [%s]", session.State())
	}

	pos := session.Position().Truncate(time.Second)
	var timing string
	if t.HasKnownDuration() {
		timing = fmt.Sprintf("%s/%s", formatClock(pos), formatClock(t.Duration))
	} else {
		timing = formatClock(pos)
	}

	marker := "▶"
	if session.State() == playback.StatePaused {
		marker = "⏸"
	}
	return fmt.Sprintf(" %s [%s] %s - %s  %s  vol %d%%",
		marker, t.Source, t.Title, t.Artist, timing, session.Volume())
}

func formatClock(d time.Duration) string {
	d = d.Truncate(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", m, s)
}
