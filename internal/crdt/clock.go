package crdt

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock выдает клиентские временные метки для мутаций одного устройства.
// Метки строго возрастают даже если системные часы отстали или совпали.
type Clock struct {
	last   time.Time        // последняя выданная метка
	now    func() time.Time // источник физического времени
	nodeID string           // идентификатор устройства
	mu     sync.Mutex       // мьютекс для потокобезопасности
}

// NewClock создает часы с новым идентификатором устройства (UUID).
func NewClock() *Clock {
	return NewClockWithNodeID(uuid.New().String())
}

// NewClockWithNodeID создает часы с заданным идентификатором устройства.
// Используется при восстановлении device id из локального хранилища.
func NewClockWithNodeID(nodeID string) *Clock {
	return &Clock{
		now:    time.Now,
		nodeID: nodeID,
	}
}

// Now возвращает следующую метку: текущее время или last+1µs, если часы не ушли вперед.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Observe сдвигает часы так, чтобы следующая метка была позже t.
// Вызывается после перезапуска с меткой последней сохраненной мутации.
func (c *Clock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.After(c.last) {
		c.last = t.UTC()
	}
}

// NodeID возвращает идентификатор устройства.
func (c *Clock) NodeID() string {
	return c.nodeID
}
