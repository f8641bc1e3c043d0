// timer.go: реестр таймеров дедлайна ставки.

package roulette

import (
	"sync"
	"time"
)

// TimerRegistry хранит по одному таймеру на сессию.
// Использует мьютекс, т.к. взвод, снятие и срабатывание идут из разных горутин.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// NewTimerRegistry создаёт пустой реестр.
func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[int64]*time.Timer)}
}

// Arm взводит таймер сессии. Если таймер уже был, старый снимается,
// так что на сессию всегда не больше одного живого обработчика.
func (r *TimerRegistry) Arm(sessionID int64, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.timers[sessionID]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		// Убираем запись, только если она всё ещё наша: между срабатыванием
		// и захватом мьютекса сессию могли перевзвести.
		r.mu.Lock()
		if r.timers[sessionID] == t {
			delete(r.timers, sessionID)
		}
		r.mu.Unlock()
		fn()
	})
	r.timers[sessionID] = t
}

// Disarm снимает таймер. Повторный вызов и вызов после срабатывания безвредны.
func (r *TimerRegistry) Disarm(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}

// Armed: взведён ли сейчас таймер сессии.
func (r *TimerRegistry) Armed(sessionID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[sessionID]
	return ok
}

// Len: сколько таймеров взведено.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop снимает все таймеры (на shutdown). Просроченные сессии потом
// добьёт сверка по deadline_at.
func (r *TimerRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
