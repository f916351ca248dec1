// Package mpv drives an mpv process over its JSON IPC socket. mpv is the
// single decode/output backend for every source: it plays direct audio
// URLs as-is and resolves ytdl:// and watch URLs through its ytdl hook.
package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/omnishuffle/internal/app/playback"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

const (
	connectTimeout = 10 * time.Second
	connectRetry   = 200 * time.Millisecond

	timePosPropertyID  = 1
	durationPropertyID = 2
)

// Config represents mpv backend configuration.
type Config struct {
	Binary    string // mpv binary; empty uses "mpv" from PATH
	IPCSocket string // socket path; empty uses a per-process temp path
}

// Player runs and controls a single mpv process.
type Player struct {
	binary     string
	socketPath string

	cmd      *exec.Cmd
	conn     net.Conn
	events   chan playback.PlayerEvent
	done     chan struct{}
	doneOnce sync.Once

	mu sync.Mutex // guards command writes on conn
}

// New creates the backend. Start must be called before use.
func New(cfg Config) *Player {
	binary := cfg.Binary
	if binary == "" {
		binary = "mpv"
	}
	socketPath := cfg.IPCSocket
	if socketPath == "" {
		socketPath = filepath.Join(os.TempDir(), fmt.Sprintf("omnishuffle-mpv-%d.sock", os.Getpid()))
	}
	return &Player{
		binary:     binary,
		socketPath: socketPath,
		events:     make(chan playback.PlayerEvent, 32),
		done:       make(chan struct{}),
	}
}

// Start launches mpv idle with the IPC socket, connects to it and starts
// the event reader.
func (p *Player) Start(ctx context.Context) error {
	cmd := exec.Command(p.binary,
		"--idle=yes",
		"--no-video",
		"--no-terminal",
		"--input-ipc-server="+p.socketPath,
	)
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start mpv")
	}
	p.cmd = cmd

	conn, err := p.connect(ctx)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	p.conn = conn

	go p.readEvents()

	// Position and duration arrive as property-change events from here on.
	if err := p.command("observe_property", timePosPropertyID, "time-pos"); err != nil {
		return err
	}
	if err := p.command("observe_property", durationPropertyID, "duration"); err != nil {
		return err
	}

	zlog.Info().Str("socket", p.socketPath).Msg("mpv started")
	return nil
}

// connect polls the IPC socket until mpv creates it.
func (p *Player) connect(ctx context.Context) (net.Conn, error) {
	deadline := time.Now().Add(connectTimeout)
	for {
		conn, err := net.Dial("unix", p.socketPath)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrap(err, "mpv IPC socket never came up")
		}
		select {
		case <-time.After(connectRetry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Load replaces the current file with the URL and unpauses.
func (p *Player) Load(ctx context.Context, t track.Track, url string) error {
	title := t.Title
	if t.Artist != "" {
		title = t.Artist + " - " + t.Title
	}
	if err := p.command("set_property", "force-media-title", title); err != nil {
		return err
	}
	if err := p.command("loadfile", url, "replace"); err != nil {
		return err
	}
	return p.command("set_property", "pause", false)
}

// Pause sets the pause state.
func (p *Player) Pause(paused bool) error {
	return p.command("set_property", "pause", paused)
}

// Stop stops playback, terminates mpv and closes the event channel.
func (p *Player) Stop() error {
	// Expected shutdown; the reader must not report the closed socket.
	p.doneOnce.Do(func() { close(p.done) })
	err := p.command("quit")
	if p.conn != nil {
		_ = p.conn.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		waited := make(chan struct{})
		go func() {
			_ = p.cmd.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(3 * time.Second):
			_ = p.cmd.Process.Kill()
		}
	}
	_ = os.Remove(p.socketPath)
	return err
}

// SetVolume sets the output volume.
func (p *Player) SetVolume(percent int) error {
	return p.command("set_property", "volume", percent)
}

// Events returns the player event stream.
func (p *Player) Events() <-chan playback.PlayerEvent {
	return p.events
}

// command writes one IPC command line.
func (p *Player) command(args ...any) error {
	payload, err := json.Marshal(map[string]any{"command": args})
	if err != nil {
		return errors.Wrap(err, "failed to encode command")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return errors.New("mpv is not running")
	}
	if _, err := p.conn.Write(append(payload, '\n')); err != nil {
		return errors.Wrap(err, "failed to write mpv command")
	}
	return nil
}

// ipcMessage is one line from the IPC socket, either an event or a
// command reply.
type ipcMessage struct {
	Event  string `json:"event"`
	ID     int    `json:"id"`
	Data   any    `json:"data"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// readEvents translates the IPC stream into player events until the
// socket closes.
func (p *Player) readEvents() {
	defer close(p.events)

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			zlog.Debug().Err(err).Msg("unparseable mpv IPC line")
			continue
		}
		if ev, ok := translate(msg); ok {
			select {
			case p.events <- ev:
			case <-p.done:
				return
			}
		}
	}

	select {
	case <-p.done:
	default:
		p.events <- playback.PlayerEvent{
			Type: playback.PlayerFailed,
			Err:  errors.New("mpv IPC connection lost"),
		}
	}
}

// translate maps an IPC message onto a player event.
func translate(msg ipcMessage) (playback.PlayerEvent, bool) {
	switch msg.Event {
	case "property-change":
		val, ok := msg.Data.(float64)
		if !ok || val < 0 {
			return playback.PlayerEvent{}, false
		}
		d := time.Duration(val * float64(time.Second))
		switch msg.ID {
		case timePosPropertyID:
			return playback.PlayerEvent{Type: playback.PlayerPosition, Position: d}, true
		case durationPropertyID:
			return playback.PlayerEvent{Type: playback.PlayerDuration, Duration: d}, true
		}
		return playback.PlayerEvent{}, false

	case "end-file":
		switch msg.Reason {
		case "eof":
			return playback.PlayerEvent{Type: playback.PlayerEndOfStream}, true
		case "error":
			return playback.PlayerEvent{
				Type: playback.PlayerFailed,
				Err:  errors.New("mpv failed to play the stream"),
			}, true
		}
		// "stop" and "redirect" come from our own loadfile replace.
		return playback.PlayerEvent{}, false
	}
	return playback.PlayerEvent{}, false
}
