package registry

import (
	"sync/atomic"
	"time"

	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/schematic"
)

// WorldInstance живой инстанс мира, построенный из шаблона.
// Счётчик игроков справочный: права доступа по нему не проверяются.
type WorldInstance struct {
	Name      string
	Template  *schematic.Template
	Handle    engine.InstanceID
	CreatedAt time.Time

	occupants atomic.Int32
}

// NewInstance создаёт описание инстанса
func NewInstance(name string, tmpl *schematic.Template, handle engine.InstanceID) *WorldInstance {
	return &WorldInstance{
		Name:      name,
		Template:  tmpl,
		Handle:    handle,
		CreatedAt: time.Now(),
	}
}

// Spawn точка появления в инстансе
func (w *WorldInstance) Spawn() schematic.SpawnPoint {
	return w.Template.Spawn()
}

// OccupantCount справочное число игроков в инстансе
func (w *WorldInstance) OccupantCount() int {
	return int(w.occupants.Load())
}

// AddOccupants меняет счётчик на delta, не опускаясь ниже нуля
func (w *WorldInstance) AddOccupants(delta int) {
	for {
		cur := w.occupants.Load()
		next := cur + int32(delta)
		if next < 0 {
			next = 0
		}
		if w.occupants.CompareAndSwap(cur, next) {
			return
		}
	}
}

// SetOccupantCount перезаписывает счётчик
func (w *WorldInstance) SetOccupantCount(n int) {
	w.occupants.Store(int32(n))
}
