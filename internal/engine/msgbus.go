package engine

import "sync"

// msgbus is a subscribe-once-by-id publish/subscribe primitive:
// exactly the mechanism raftengine_teacher/engine.go's ProposeReplicate
// + wait pair uses to block a caller until its change id is resolved
// by the apply path, generalized here to the WAL-replication Frames
// hook's "suspend until committed or rejected" contract (spec.md
// §4.4.2).
type msgbus struct {
	mu   sync.Mutex
	subs map[uint64]chan interface{}
}

func newMsgbus() *msgbus {
	return &msgbus{subs: make(map[uint64]chan interface{})}
}

func (b *msgbus) subscribeOnce(id uint64) <-chan interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan interface{}, 1)
	b.subs[id] = ch
	return ch
}

func (b *msgbus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *msgbus) broadcast(id uint64, v interface{}) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

// broadcastAll fans v out to every still-pending subscriber, used when
// leadership is lost and every in-flight Frames call must unblock with
// IOERR_NOT_LEADER (spec.md §4.4.2).
func (b *msgbus) broadcastAll(v interface{}) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.broadcast(id, v)
	}
}
