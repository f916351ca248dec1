package mpv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/omnishuffle/internal/app/playback"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		msg  ipcMessage
		want playback.PlayerEvent
		ok   bool
	}{
		{
			name: "position change",
			msg:  ipcMessage{Event: "property-change", ID: timePosPropertyID, Data: 12.5},
			want: playback.PlayerEvent{Type: playback.PlayerPosition, Position: 12500 * time.Millisecond},
			ok:   true,
		},
		{
			name: "duration change",
			msg:  ipcMessage{Event: "property-change", ID: durationPropertyID, Data: 215.0},
			want: playback.PlayerEvent{Type: playback.PlayerDuration, Duration: 215 * time.Second},
			ok:   true,
		},
		{
			name: "null property value",
			msg:  ipcMessage{Event: "property-change", ID: timePosPropertyID, Data: nil},
			ok:   false,
		},
		{
			name: "end of file",
			msg:  ipcMessage{Event: "end-file", Reason: "eof"},
			want: playback.PlayerEvent{Type: playback.PlayerEndOfStream},
			ok:   true,
		},
		{
			name: "replaced by next load",
			msg:  ipcMessage{Event: "end-file", Reason: "stop"},
			ok:   false,
		},
		{
			name: "unrelated event",
			msg:  ipcMessage{Event: "file-loaded"},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translate(tt.msg)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTranslate_StreamError(t *testing.T) {
	got, ok := translate(ipcMessage{Event: "end-file", Reason: "error"})
	require.True(t, ok)
	assert.Equal(t, playback.PlayerFailed, got.Type)
	assert.Error(t, got.Err)
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, "mpv", p.binary)
	assert.Contains(t, p.socketPath, "omnishuffle-mpv-")

	p = New(Config{Binary: "/usr/local/bin/mpv", IPCSocket: "/tmp/x.sock"})
	assert.Equal(t, "/usr/local/bin/mpv", p.binary)
	assert.Equal(t, "/tmp/x.sock", p.socketPath)
}
