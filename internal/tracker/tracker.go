// Package tracker явно хранит, в каком логическом мире находится игрок.
// Записи обновляет код, выполняющий телепорт; состояние движка не опрашивается.
package tracker

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Mirror получает копию каждой привязки (например, Redis для других узлов).
// Вызывается под блокировкой шарда в порядке изменений, поэтому не должен блокироваться.
type Mirror interface {
	Put(playerID, worldName string)
	Delete(playerID string)
}

type shard struct {
	mu       sync.RWMutex
	byPlayer map[string]string
	byWorld  map[string]map[string]struct{}
}

// Tracker авторитетная карта «игрок -> мир».
// Операции над разными игроками не блокируют друг друга.
type Tracker struct {
	shards [shardCount]*shard
	mirror Mirror
}

// New создаёт трекер; mirror может быть nil
func New(mirror Mirror) *Tracker {
	t := &Tracker{mirror: mirror}
	for i := range t.shards {
		t.shards[i] = &shard{
			byPlayer: make(map[string]string),
			byWorld:  make(map[string]map[string]struct{}),
		}
	}
	return t
}

func (t *Tracker) shardFor(playerID string) *shard {
	return t.shards[xxhash.Sum64String(playerID)%shardCount]
}

func (s *shard) unlink(playerID, worldName string) {
	if set, ok := s.byWorld[worldName]; ok {
		delete(set, playerID)
		if len(set) == 0 {
			delete(s.byWorld, worldName)
		}
	}
}

// Track перезаписывает привязку игрока. Возвращает предыдущий мир ("" если не было).
func (t *Tracker) Track(playerID, worldName string) string {
	s := t.shardFor(playerID)
	s.mu.Lock()
	prev, had := s.byPlayer[playerID]
	if had && prev == worldName {
		s.mu.Unlock()
		return prev
	}
	if had {
		s.unlink(playerID, prev)
	}
	s.byPlayer[playerID] = worldName
	set, ok := s.byWorld[worldName]
	if !ok {
		set = make(map[string]struct{})
		s.byWorld[worldName] = set
	}
	set[playerID] = struct{}{}
	if t.mirror != nil {
		t.mirror.Put(playerID, worldName)
	}
	s.mu.Unlock()
	return prev
}

// CurrentWorld текущий мир игрока
func (t *Tracker) CurrentWorld(playerID string) (string, bool) {
	s := t.shardFor(playerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byPlayer[playerID]
	return w, ok
}

// Untrack удаляет привязку (отключение игрока)
func (t *Tracker) Untrack(playerID string) (string, bool) {
	s := t.shardFor(playerID)
	s.mu.Lock()
	prev, had := s.byPlayer[playerID]
	if had {
		delete(s.byPlayer, playerID)
		s.unlink(playerID, prev)
		if t.mirror != nil {
			t.mirror.Delete(playerID)
		}
	}
	s.mu.Unlock()
	return prev, had
}

// UntrackIf удаляет привязку, только если игрок всё ещё в worldName
func (t *Tracker) UntrackIf(playerID, worldName string) bool {
	s := t.shardFor(playerID)
	s.mu.Lock()
	cur, had := s.byPlayer[playerID]
	if !had || cur != worldName {
		s.mu.Unlock()
		return false
	}
	delete(s.byPlayer, playerID)
	s.unlink(playerID, worldName)
	if t.mirror != nil {
		t.mirror.Delete(playerID)
	}
	s.mu.Unlock()
	return true
}

// PlayersIn отсортированный список игроков, привязанных к миру
func (t *Tracker) PlayersIn(worldName string) []string {
	var out []string
	for _, s := range t.shards {
		s.mu.RLock()
		for p := range s.byWorld[worldName] {
			out = append(out, p)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Count количество отслеживаемых игроков
func (t *Tracker) Count() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.byPlayer)
		s.mu.RUnlock()
	}
	return n
}
