package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PageFetcher is the paginated history source, an external REST
// collaborator. Pages are returned newest-first.
type PageFetcher interface {
	ChatPage(ctx context.Context, roomID, pageNo, pageSize int) ([]Message, error)
}

// HistoryBuffer is the merged, ordered view of one room's messages:
// oldest-first, fed from the back by live pushes and from the front by
// backward pagination. Live appends that arrive while a page fetch is in
// flight are queued and flushed after the pending prepend, so the two
// paths never interleave.
type HistoryBuffer struct {
	roomID   int
	pageSize int
	fetcher  PageFetcher
	logger   *slog.Logger

	mu       sync.Mutex
	messages []Message
	// page is the last fetched page number; pages are requested
	// starting at 1.
	page    int
	hasMore bool
	loading bool
	pending []Message
	closed  bool
}

func NewHistoryBuffer(roomID, pageSize int, fetcher PageFetcher, logger *slog.Logger) *HistoryBuffer {
	return &HistoryBuffer{
		roomID:   roomID,
		pageSize: pageSize,
		fetcher:  fetcher,
		logger:   logger,
		hasMore:  true,
	}
}

// Seed establishes the baseline from the first page delivered by the
// join handshake, newest-first. It counts as page 1.
func (b *HistoryBuffer) Seed(newestFirst []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = reversed(newestFirst)
	b.page = 1
	if len(newestFirst) < b.pageSize {
		b.hasMore = false
	}
}

// LoadOlder fetches the next backward page and prepends it. Calling after
// exhaustion, or while another load is in flight, is a no-op. A result
// that arrives after Close is discarded.
func (b *HistoryBuffer) LoadOlder(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || b.loading || !b.hasMore {
		b.mu.Unlock()
		return nil
	}
	b.loading = true
	pageNo := b.page + 1
	b.mu.Unlock()

	msgs, err := b.fetcher.ChatPage(ctx, b.roomID, pageNo, b.pageSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.loading = false

	if b.closed {
		b.pending = nil
		return nil
	}
	if ctx.Err() != nil {
		// room was left mid-flight; the late page is not applied
		b.flushPendingLocked()
		return ctx.Err()
	}
	if err != nil {
		b.flushPendingLocked()
		return fmt.Errorf("load page %d of room %d: %w", pageNo, b.roomID, err)
	}

	b.page = pageNo
	if len(msgs) < b.pageSize {
		b.hasMore = false
	}
	if len(msgs) > 0 {
		b.messages = append(reversed(msgs), b.messages...)
	}
	b.flushPendingLocked()
	return nil
}

// AppendLive appends one live message to the tail. While a page fetch is
// in flight the message is queued to keep the oldest-first order intact.
func (b *HistoryBuffer) AppendLive(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.loading {
		b.pending = append(b.pending, m)
		return
	}
	b.messages = append(b.messages, m)
}

func (b *HistoryBuffer) flushPendingLocked() {
	if len(b.pending) == 0 {
		return
	}
	b.messages = append(b.messages, b.pending...)
	b.pending = nil
}

// Messages returns a snapshot of the buffer, oldest-first.
func (b *HistoryBuffer) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

func (b *HistoryBuffer) HasMore() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasMore
}

func (b *HistoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Close discards the buffer. Late pagination results and further live
// appends are dropped.
func (b *HistoryBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.messages = nil
	b.pending = nil
}

func reversed(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
