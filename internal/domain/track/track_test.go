package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Source
	}{
		{name: "playlist canonical", input: "playlist", expected: SourcePlaylist},
		{name: "playlist provider name", input: "spotify", expected: SourcePlaylist},
		{name: "radio canonical", input: "radio", expected: SourceRadio},
		{name: "radio provider name", input: "pandora", expected: SourceRadio},
		{name: "search canonical", input: "search", expected: SourceSearch},
		{name: "search provider name", input: "youtube", expected: SourceSearch},
		{name: "unknown", input: "tidal", expected: SourceUnknown},
		{name: "empty", input: "", expected: SourceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseSource(tt.input))
		})
	}
}

func TestTrack_Identity(t *testing.T) {
	a := Track{ID: "abc123", Source: SourceRadio, Title: "First Fetch"}
	b := Track{ID: "abc123", Source: SourceRadio, Title: "Second Fetch"}
	c := Track{ID: "abc123", Source: SourceSearch}

	// Same identity across batches regardless of other fields
	assert.Equal(t, a.Identity(), b.Identity())

	// Same native ID on another source is a different song
	assert.NotEqual(t, a.Identity(), c.Identity())
}

func TestTrack_HasKnownDuration(t *testing.T) {
	known := Track{Duration: 3 * time.Minute}
	unknown := Track{}

	assert.True(t, known.HasKnownDuration())
	assert.False(t, unknown.HasKnownDuration())
}

func TestSource_String(t *testing.T) {
	assert.Equal(t, "playlist", SourcePlaylist.String())
	assert.Equal(t, "radio", SourceRadio.String())
	assert.Equal(t, "search", SourceSearch.String())
	assert.Equal(t, "unknown", SourceUnknown.String())
}
