package events

import (
	"sync"
	"sync/atomic"
)

// subscriberBufferSize — буфер канала подписчика.
// Если подписчик отстал больше чем на столько событий, новые события
// для него отбрасываются.
const subscriberBufferSize = 256

// Bus рассылает события всем подписчикам. Безопасен для
// конкурентного использования.
//
// Publish никогда не блокируется: медленный подписчик теряет события,
// остальные получают их без задержки.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus создаёт пустую шину.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe возвращает канал событий и функцию отписки.
// После Close возвращается уже закрытый канал.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish отправляет событие всем подписчикам.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped возвращает число отброшенных событий.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close закрывает все каналы подписчиков. Повторный вызов безопасен.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
