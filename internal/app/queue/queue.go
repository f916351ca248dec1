// Package queue provides the shuffle queue that merges tracks from all
// active sources into one ordering.
package queue

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/omnishuffle/internal/app/proxy"
	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

// ErrEmpty is returned by PullNext when every active adapter returned zero
// fresh tracks after a refill attempt. Callers retry refill after backoff;
// the queue is logically infinite under normal operation.
var ErrEmpty = errors.New("queue is empty")

// BanStore persists banned identities across sessions.
type BanStore interface {
	Contains(id track.Identity) (bool, error)
	Add(id track.Identity) error
}

// Config holds queue tuning parameters.
type Config struct {
	LowWater      int // Refill when queue length falls below this
	RecentHistory int // Anti-repeat window of recently played identities
}

// Queue is the shuffle queue. All mutation happens under the mutex; the
// invariants are: no banned identity is ever present, and adjacent entries
// come from different sources whenever more than one source contributed.
type Queue struct {
	mu sync.Mutex

	adapters map[track.Source]source.Adapter
	entries  []track.Track
	recent   []track.Identity
	banned   map[track.Identity]bool
	bans     BanStore
	rng      *rand.Rand

	lowWater   int
	recentSize int
}

// New creates a queue over the given adapters.
func New(adapters []source.Adapter, bans BanStore, cfg Config) *Queue {
	if cfg.LowWater <= 0 {
		cfg.LowWater = 5
	}
	if cfg.RecentHistory <= 0 {
		cfg.RecentHistory = 20
	}

	m := make(map[track.Source]source.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}

	return &Queue{
		adapters:   m,
		banned:     make(map[track.Identity]bool),
		bans:       bans,
		rng:        rand.New(rand.NewSource(cryptoSeed())),
		lowWater:   cfg.LowWater,
		recentSize: cfg.RecentHistory,
	}
}

// PullNext pops the next track, refilling first if the queue is drained.
// Returns ErrEmpty only if all adapters returned zero fresh tracks.
func (q *Queue) PullNext(ctx context.Context) (track.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		q.refillLocked(ctx)
	}
	if len(q.entries) == 0 {
		return track.Track{}, ErrEmpty
	}

	t := q.entries[0]
	q.entries = q.entries[1:]
	q.rememberLocked(t.Identity())
	return t, nil
}

// Refill requests a fresh batch from every active adapter and interleaves
// the results into the queue. Safe to call from any goroutine.
func (q *Queue) Refill(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refillLocked(ctx)
}

// NotifyBan removes every queued entry with the track's identity and records
// it so future refills exclude it. The currently playing track is not
// interrupted; that is the playback session's call to make.
func (q *Queue) NotifyBan(t track.Track) {
	id := t.Identity()

	q.mu.Lock()
	q.banned[id] = true
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Identity() != id {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.mu.Unlock()

	if q.bans != nil {
		if err := q.bans.Add(id); err != nil {
			zlog.Warn().Err(err).Str("track", t.Title).Msg("failed to persist ban")
		}
	}
}

// NotifyLove marks queued copies of the track as loved.
func (q *Queue) NotifyLove(t track.Track) {
	id := t.Identity()

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].Identity() == id {
			q.entries[i].Loved = true
		}
	}
}

// Shuffle reorders the queue on user request. Entries are regrouped by
// source, shuffled within each group and re-interleaved so the
// source-diversity invariant survives the reorder.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches := make(map[track.Source][]track.Track)
	for _, e := range q.entries {
		batches[e.Source] = append(batches[e.Source], e)
	}
	for s := range batches {
		q.shuffleBatchLocked(batches[s])
	}
	q.entries = q.interleaveLocked(batches, track.SourceUnknown)
}

// DisableSource removes an adapter from the active set and purges its queued
// entries. Used when a provider fails permanently (auth expiry, proxy
// exhaustion); the rest of the session continues on the remaining sources.
func (q *Queue) DisableSource(s track.Source) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.disableSourceLocked(s)
}

func (q *Queue) disableSourceLocked(s track.Source) {
	if _, ok := q.adapters[s]; !ok {
		return
	}
	delete(q.adapters, s)

	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Source != s {
			kept = append(kept, e)
		}
	}
	q.entries = kept

	zlog.Warn().Stringer("source", s).Msg("source disabled for the rest of the session")
}

// Size returns the number of queued tracks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// BelowLowWater reports whether a background refill should be scheduled.
func (q *Queue) BelowLowWater() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) < q.lowWater
}

// ActiveSources returns the number of adapters still in the source set.
func (q *Queue) ActiveSources() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.adapters)
}

// Adapter returns the adapter owning the given source, if still active.
func (q *Queue) Adapter(s track.Source) (source.Adapter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.adapters[s]
	return a, ok
}

func (q *Queue) refillLocked(ctx context.Context) {
	type result struct {
		kind   track.Source
		tracks []track.Track
		err    error
	}

	adapters := make([]source.Adapter, 0, len(q.adapters))
	for _, a := range q.adapters {
		adapters = append(adapters, a)
	}
	if len(adapters) == 0 {
		return
	}

	// Fetches run concurrently; the lock is held but PullNext callers are on
	// the same session goroutine, so nothing latency-sensitive is waiting.
	results := make(chan result, len(adapters))
	for _, a := range adapters {
		go func(a source.Adapter) {
			tracks, err := a.FetchTracks(ctx)
			results <- result{kind: a.Kind(), tracks: tracks, err: err}
		}(a)
	}

	batches := make(map[track.Source][]track.Track)
	for range adapters {
		r := <-results
		if r.err != nil {
			q.handleFetchErrorLocked(r.kind, r.err)
			continue
		}
		batch := q.filterLocked(r.tracks, batches)
		if len(batch) > 0 {
			q.shuffleBatchLocked(batch)
			batches[r.kind] = batch
		}
	}

	// The surviving tail and the head of the fresh interleave form an
	// adjacency pair too, so the tail's source must not lead the new batch.
	avoid := track.SourceUnknown
	if len(q.entries) > 0 {
		avoid = q.entries[len(q.entries)-1].Source
	}
	fresh := q.interleaveLocked(batches, avoid)
	if len(fresh) == 0 {
		return
	}
	q.entries = append(q.entries, fresh...)

	zlog.Info().Int("added", len(fresh)).Int("queued", len(q.entries)).
		Int("sources", len(batches)).Msg("queue refilled")
}

func (q *Queue) handleFetchErrorLocked(s track.Source, err error) {
	switch {
	case errors.Is(err, source.ErrAuthExpired):
		zlog.Error().Err(err).Stringer("source", s).Msg("authentication expired, excluding source")
		delete(q.adapters, s)
	case errors.Is(err, proxy.ErrProxyFailed):
		zlog.Error().Err(err).Stringer("source", s).Msg("proxy session failed, excluding source")
		q.disableSourceLocked(s)
	case errors.Is(err, source.ErrGeoBlocked):
		// The geo guard below the adapter already retried once.
		zlog.Warn().Err(err).Stringer("source", s).Msg("fetch geo-blocked")
	default:
		zlog.Warn().Err(err).Stringer("source", s).Msg("fetch failed, will retry next refill")
	}
}

// filterLocked drops banned identities and deduplicates against the existing
// queue, the recent-history window, the other fresh batches and itself.
func (q *Queue) filterLocked(in []track.Track, pending map[track.Source][]track.Track) []track.Track {
	seen := make(map[track.Identity]bool, len(q.entries)+len(q.recent))
	for _, e := range q.entries {
		seen[e.Identity()] = true
	}
	for _, id := range q.recent {
		seen[id] = true
	}
	for _, batch := range pending {
		for _, e := range batch {
			seen[e.Identity()] = true
		}
	}

	out := make([]track.Track, 0, len(in))
	for _, t := range in {
		id := t.Identity()
		if t.Banned || seen[id] || q.isBannedLocked(id) {
			continue
		}
		seen[id] = true
		out = append(out, t)
	}
	return out
}

func (q *Queue) isBannedLocked(id track.Identity) bool {
	if q.banned[id] {
		return true
	}
	if q.bans == nil {
		return false
	}
	banned, err := q.bans.Contains(id)
	if err != nil {
		zlog.Warn().Err(err).Msg("ban store lookup failed")
		return false
	}
	if banned {
		q.banned[id] = true
	}
	return banned
}

// interleaveLocked merges per-source batches round-robin. Source visit order
// is randomly permuted per call, except that avoid never leads when another
// source is available, so the first emitted track differs from the entry it
// will be appended after. Ties within a batch were already broken by
// shuffleBatchLocked. Adjacent same-source entries can only occur once every
// other batch is exhausted.
func (q *Queue) interleaveLocked(batches map[track.Source][]track.Track, avoid track.Source) []track.Track {
	order := make([]track.Source, 0, len(batches))
	total := 0
	for s, b := range batches {
		order = append(order, s)
		total += len(b)
	}
	q.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	if len(order) > 1 && order[0] == avoid {
		i := 1 + q.rng.Intn(len(order)-1)
		order[0], order[i] = order[i], order[0]
	}

	out := make([]track.Track, 0, total)
	for len(out) < total {
		for _, s := range order {
			if len(batches[s]) == 0 {
				continue
			}
			out = append(out, batches[s][0])
			batches[s] = batches[s][1:]
		}
	}
	return out
}

func (q *Queue) shuffleBatchLocked(batch []track.Track) {
	q.rng.Shuffle(len(batch), func(i, j int) {
		batch[i], batch[j] = batch[j], batch[i]
	})
}

func (q *Queue) rememberLocked(id track.Identity) {
	q.recent = append(q.recent, id)
	if len(q.recent) > q.recentSize {
		q.recent = q.recent[len(q.recent)-q.recentSize:]
	}
}

// cryptoSeed seeds math/rand from crypto/rand, falling back to the clock.
func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := cryptoRand.Read(buf[:]); err == nil {
		return int64(binary.LittleEndian.Uint64(buf[:]))
	}
	return time.Now().UnixNano()
}
