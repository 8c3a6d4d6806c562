package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/mineworlds/internal/schematic"
	"github.com/annel0/mineworlds/internal/vec"
	"github.com/google/uuid"
)

type memInstance struct {
	name      string
	bounds    schematic.Bounds
	blocks    map[vec.Vec3]schematic.BlockID
	occupants map[string]schematic.SpawnPoint
}

// Memory движок в памяти. Используется локальным сервером и тестами.
type Memory struct {
	mu        sync.RWMutex
	instances map[InstanceID]*memInstance
	entities  map[string]InstanceID

	// WriteDelay искусственная задержка на каждый пакет блоков
	WriteDelay time.Duration
	// FailCreate при ненулевом значении вызывается перед созданием инстанса
	FailCreate func(name string) error

	created   atomic.Int64
	destroyed atomic.Int64
}

// NewMemory создаёт пустой движок
func NewMemory() *Memory {
	return &Memory{
		instances: make(map[InstanceID]*memInstance),
		entities:  make(map[string]InstanceID),
	}
}

func (m *Memory) CreateInstance(ctx context.Context, name string, bounds schematic.Bounds) (InstanceID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.FailCreate != nil {
		if err := m.FailCreate(name); err != nil {
			return "", err
		}
	}

	id := InstanceID(fmt.Sprintf("%s#%s", name, uuid.NewString()[:8]))
	m.mu.Lock()
	m.instances[id] = &memInstance{
		name:      name,
		bounds:    bounds,
		blocks:    make(map[vec.Vec3]schematic.BlockID),
		occupants: make(map[string]schematic.SpawnPoint),
	}
	m.mu.Unlock()

	m.created.Add(1)
	return id, nil
}

func (m *Memory) WriteRegion(ctx context.Context, id InstanceID, blocks []schematic.Block) error {
	if m.WriteDelay > 0 {
		select {
		case <-time.After(m.WriteDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	for _, b := range blocks {
		if !inst.bounds.Contains(b.Pos) {
			return fmt.Errorf("%w: %v", ErrOutOfBounds, b.Pos)
		}
		if b.ID == schematic.Air {
			delete(inst.blocks, b.Pos)
			continue
		}
		inst.blocks[b.Pos] = b.ID
	}
	return nil
}

func (m *Memory) TeleportEntity(ctx context.Context, id InstanceID, entity string, to schematic.SpawnPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	if prev, ok := m.entities[entity]; ok {
		if prevInst, ok := m.instances[prev]; ok {
			delete(prevInst.occupants, entity)
		}
	}
	inst.occupants[entity] = to
	m.entities[entity] = id
	return nil
}

func (m *Memory) ListOccupants(ctx context.Context, id InstanceID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	out := make([]string, 0, len(inst.occupants))
	for e := range inst.occupants {
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DestroyInstance(ctx context.Context, id InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	for e := range inst.occupants {
		if m.entities[e] == id {
			delete(m.entities, e)
		}
	}
	delete(m.instances, id)
	m.destroyed.Add(1)
	return nil
}

// RemoveEntity убирает сущность из движка (отключение игрока)
func (m *Memory) RemoveEntity(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.entities[entity]; ok {
		if inst, ok := m.instances[id]; ok {
			delete(inst.occupants, entity)
		}
		delete(m.entities, entity)
	}
}

// EntityLocation инстанс и позиция сущности
func (m *Memory) EntityLocation(entity string) (InstanceID, schematic.SpawnPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entities[entity]
	if !ok {
		return "", schematic.SpawnPoint{}, false
	}
	return id, m.instances[id].occupants[entity], true
}

// BlockAt блок инстанса в точке
func (m *Memory) BlockAt(id InstanceID, pos vec.Vec3) schematic.BlockID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[id]; ok {
		return inst.blocks[pos]
	}
	return schematic.Air
}

// BlockCount количество непустых блоков в инстансе
func (m *Memory) BlockCount(id InstanceID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[id]; ok {
		return len(inst.blocks)
	}
	return 0
}

// SetBlock меняет один блок (ломание блока игроком)
func (m *Memory) SetBlock(id InstanceID, pos vec.Vec3, block schematic.BlockID) error {
	return m.WriteRegion(context.Background(), id, []schematic.Block{{Pos: pos, ID: block}})
}

// Instances количество живых инстансов
func (m *Memory) Instances() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Created сколько раз вызывался успешный CreateInstance
func (m *Memory) Created() int64 { return m.created.Load() }

// Destroyed сколько инстансов выгружено
func (m *Memory) Destroyed() int64 { return m.destroyed.Load() }
