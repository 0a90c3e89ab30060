package lexical

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poiesic/medrag/core"
)

// DefaultRetireDelay is how long a replaced snapshot stays open for
// in-flight searches.
const DefaultRetireDelay = 30 * time.Second

// ChunkSource streams the full corpus, as storage.ChunkRepository.ForEachChunk does.
type ChunkSource func(ctx context.Context, fn func(chunk *core.Chunk) error) error

// Holder publishes the active Snapshot.
type Holder struct {
	current     atomic.Pointer[Snapshot]
	rebuildMu   sync.Mutex
	retireDelay time.Duration
	logger      *slog.Logger
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithLogger sets the logger; nil selects slog.Default().
func WithLogger(logger *slog.Logger) HolderOption {
	return func(h *Holder) {
		if logger == nil {
			logger = slog.Default()
		}
		h.logger = logger
	}
}

// WithRetireDelay sets how long replaced snapshots stay open.
func WithRetireDelay(d time.Duration) HolderOption {
	return func(h *Holder) {
		h.retireDelay = d
	}
}

// NewHolder returns an empty holder.
func NewHolder(opts ...HolderOption) *Holder {
	h := &Holder{
		retireDelay: DefaultRetireDelay,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "lexical")
	return h
}

// Current returns the active snapshot, or nil before the first build.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Swap publishes s and retires the previous snapshot.
func (h *Holder) Swap(s *Snapshot) {
	old := h.current.Swap(s)
	if old == nil || old == s {
		return
	}
	h.retire(old)
}

func (h *Holder) retire(old *Snapshot) {
	closeOld := func() {
		if err := old.Close(); err != nil {
			h.logger.Warn("failed to close retired lexical snapshot", "version", old.Version(), "err", err)
		}
	}
	if h.retireDelay <= 0 {
		closeOld()
		return
	}
	time.AfterFunc(h.retireDelay, closeOld)
}

// Rebuild builds a new snapshot from source and swaps it in. Concurrent
// rebuilds run one at a time; readers keep using the previous snapshot
// until the swap.
func (h *Holder) Rebuild(ctx context.Context, version string, source ChunkSource) (*Snapshot, error) {
	h.rebuildMu.Lock()
	defer h.rebuildMu.Unlock()

	start := time.Now()

	var chunks []*core.Chunk
	err := source(ctx, func(c *core.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus for lexical index: %w", err)
	}

	snap, err := Build(ctx, version, chunks)
	if err != nil {
		return nil, err
	}

	h.Swap(snap)
	h.logger.Info("lexical index rebuilt",
		"version", version,
		"chunks", snap.Size(),
		"duration", time.Since(start))
	return snap, nil
}

// Close closes the active snapshot.
func (h *Holder) Close() error {
	if s := h.current.Swap(nil); s != nil {
		return s.Close()
	}
	return nil
}
