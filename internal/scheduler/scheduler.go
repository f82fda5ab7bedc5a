package scheduler

import (
	"sync"
	"time"
)

// Ticker отдаёт tick'и по Schedule в канал C.
//
// Буфер C — один tick. Если получатель занят, следующий tick
// отбрасывается, а не копится.
type Ticker struct {
	C <-chan time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTicker запускает Ticker.
func NewTicker(s Schedule) *Ticker {
	c := make(chan time.Time, 1)
	t := &Ticker{
		C:    c,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.loop(s, c)
	return t
}

func (t *Ticker) loop(s Schedule, c chan<- time.Time) {
	defer close(t.done)

	for {
		current := time.Now()
		next := s.Next(current)
		if next.IsZero() {
			// Расписание больше не срабатывает
			return
		}

		timer := time.NewTimer(next.Sub(current))
		select {
		case <-t.stop:
			timer.Stop()
			return
		case fired := <-timer.C:
			select {
			case c <- fired:
			default:
			}
		}
	}
}

// Stop останавливает Ticker. Канал C не закрывается.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}
