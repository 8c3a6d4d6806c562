package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryMineRepo реализует MineRepo в памяти.
// Используется в тестах и когда постоянное хранилище не настроено.
// ВНИМАНИЕ: Данные теряются при перезапуске сервера!
type MemoryMineRepo struct {
	mu     sync.RWMutex
	data   map[string]MineRecord
	closed bool
}

func NewMemoryMineRepo() *MemoryMineRepo {
	return &MemoryMineRepo{data: make(map[string]MineRecord)}
}

func cloneRecord(rec MineRecord) MineRecord {
	if rec.Allowed != nil {
		rec.Allowed = append([]string(nil), rec.Allowed...)
	}
	return rec
}

func (r *MemoryMineRepo) Save(ctx context.Context, rec MineRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.data[rec.OwnerID] = cloneRecord(rec)
	return nil
}

func (r *MemoryMineRepo) Load(ctx context.Context, ownerID string) (MineRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return MineRecord{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return MineRecord{}, false, ErrClosed
	}
	rec, ok := r.data[ownerID]
	return cloneRecord(rec), ok, nil
}

func (r *MemoryMineRepo) Delete(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	delete(r.data, ownerID)
	return nil
}

func (r *MemoryMineRepo) List(ctx context.Context) ([]MineRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	out := make([]MineRecord, 0, len(r.data))
	for _, rec := range r.data {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (r *MemoryMineRepo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
