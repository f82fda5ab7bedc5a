package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrCapacityExceeded — на host нет свободного места.
var ErrCapacityExceeded = errors.New("host capacity exceeded")

// ErrHostIdle — попытка освободить слот на host с нулевой загрузкой.
var ErrHostIdle = errors.New("host has no load to release")

// Host — машина, на которой executor запускает workflows.
//
// Capacity — сколько jobs host может выполнять одновременно.
// CurrentLoad меняется только Load Balancer'ом (increment/decrement)
// и никогда не выходит за пределы 0..Capacity.
type Host struct {
	// ID — уникальный идентификатор host.
	ID string `json:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty"`

	// Address — адрес для подключения executor'а.
	Address string `json:"address,omitempty"`

	// Group — группа hosts (для affinity jobs).
	Group string `json:"group,omitempty"`

	// Capacity — максимальное число одновременных jobs.
	Capacity int `json:"capacity"`

	// CurrentLoad — число jobs, назначенных на host сейчас.
	CurrentLoad int `json:"current_load"`

	// Priority — вес при равной загрузке (больше — предпочтительнее).
	Priority int `json:"priority,omitempty"`

	// IsAvailable — host доступен (не в обслуживании, отвечает).
	IsAvailable bool `json:"is_available"`
}

// HasCapacity возвращает true, если host может принять ещё один job.
func (h *Host) HasCapacity() bool {
	return h.IsAvailable && h.CurrentLoad < h.Capacity
}

// LoadRatio возвращает загрузку host (CurrentLoad / Capacity).
// Host с нулевой ёмкостью считается полностью загруженным.
func (h *Host) LoadRatio() float64 {
	if h.Capacity <= 0 {
		return 1
	}
	return float64(h.CurrentLoad) / float64(h.Capacity)
}

// InGroup проверяет принадлежность host к группе.
// Пустая группа означает "любой host".
func (h *Host) InGroup(group string) bool {
	return group == "" || h.Group == group
}

// Assignment — закрепление job за host на время выполнения.
// Живёт только в памяти Load Balancer'а и не сохраняется.
type Assignment struct {
	JobID      uuid.UUID `json:"job_id"`
	HostID     string    `json:"host_id"`
	AssignedAt time.Time `json:"assigned_at"`
}
