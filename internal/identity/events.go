package identity

import (
	"sync"
)

// Hub はセッション変更通知の発行と購読を管理する。
// 発行されたイベントには単調増加のSeqを振り、購読者へ発行順に同期配信する。
// 購読者はコールバック内で同期的にEmitを呼んではならない（デッドロックする）。
type Hub struct {
	deliverMu sync.Mutex // 配信を直列化して発行順を保証する

	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]func(Event)
}

// NewHub はHubの新しいインスタンスを生成する。
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe はイベントの購読を登録する。戻り値の関数で購読を解除する（複数回呼んでもよい）。
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Emit はイベントにSeqを振って全購読者へ配信し、配信したイベントを返す。
func (h *Hub) Emit(kind EventKind, sess *Session) Event {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.seq++
	ev := Event{Seq: h.seq, Kind: kind, Session: sess}
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return ev
}

// Seq は最後に発行したイベントのSeqを返す。
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Len は現在の購読者数を返す。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
