package store

import (
	"context"
	"sync"

	"github.com/draftforge/pluginlink/internal/signal"
)

// watchBuffer bounds how many undelivered messages a single watcher may
// accumulate. Signaling is at-most-once by design, so a watcher that falls
// this far behind starts losing messages rather than blocking appends.
const watchBuffer = 256

type logKey struct {
	sessionID string
	bucket    signal.Bucket
}

// hub fans appended messages out to per-bucket watchers. It backs the Watch
// implementation of both the memory and the sqlite store; replay of existing
// entries happens in the store before the watcher goes live.
type hub struct {
	mu   sync.Mutex
	subs map[logKey]map[*hubSub]struct{}
}

type hubSub struct {
	ch chan signal.Message
}

func newHub() *hub {
	return &hub{subs: make(map[logKey]map[*hubSub]struct{})}
}

// subscribe registers a watcher primed with backlog. The returned channel is
// closed when ctx is done.
func (h *hub) subscribe(ctx context.Context, key logKey, backlog []signal.Message) <-chan signal.Message {
	sub := &hubSub{ch: make(chan signal.Message, len(backlog)+watchBuffer)}
	for _, msg := range backlog {
		sub.ch <- msg
	}

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*hubSub]struct{})
	}
	h.subs[key][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if set, ok := h.subs[key]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
		h.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// publish delivers msg to every live watcher of key. Watchers with a full
// buffer lose the message.
func (h *hub) publish(key logKey, msg signal.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[key] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}
