// Package registry хранит соответствие логического имени мира живому инстансу
// и гарантирует не более одного создания на имя при конкурентных запросах.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/mineworlds/internal/logging"
	"github.com/cespare/xxhash/v2"
)

var log = logging.GetComponentLogger("registry")

// ErrClosed возвращается после остановки реестра
var ErrClosed = errors.New("registry: closed")

// shardCount количество шардов; мутации разных имён не блокируют друг друга
const shardCount = 32

// Factory строит инстанс. Получает контекст жизненного цикла реестра, а не вызывающего.
type Factory func(ctx context.Context) (*WorldInstance, error)

// Entry пара имя/инстанс для снимка реестра
type Entry struct {
	Name     string
	Instance *WorldInstance
}

type shard struct {
	mu       sync.Mutex
	worlds   map[string]*WorldInstance
	inflight map[string]*Future
}

// Registry единственный источник истины «имя мира -> инстанс»
type Registry struct {
	shards [shardCount]*shard
	gates  gates

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// New создаёт пустой реестр
func New() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{ctx: ctx, cancel: cancel}
	for i := range r.shards {
		r.shards[i] = &shard{
			worlds:   make(map[string]*WorldInstance),
			inflight: make(map[string]*Future),
		}
	}
	return r
}

func (r *Registry) shardFor(name string) *shard {
	return r.shards[xxhash.Sum64String(name)%shardCount]
}

// Resolve неблокирующий поиск установленного инстанса
func (r *Registry) Resolve(name string) (*WorldInstance, bool) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.worlds[name]
	return inst, ok
}

// InFlight сообщает, идёт ли сейчас создание мира
func (r *Registry) InFlight(name string) bool {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[name]
	return ok
}

// GetOrCreate возвращает существующий инстанс, присоединяется к идущему созданию
// или запускает factory. При ошибке маркер создания снимается, и следующий вызов
// начнёт заново.
func (r *Registry) GetOrCreate(name string, factory Factory) *Future {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return Failed(ErrClosed)
	}

	s := r.shardFor(name)
	s.mu.Lock()
	if inst, ok := s.worlds[name]; ok {
		s.mu.Unlock()
		return Resolved(inst)
	}
	if f, ok := s.inflight[name]; ok {
		s.mu.Unlock()
		log.Trace("Мир %s уже создаётся, ожидаем", name)
		return f
	}
	f := newFuture()
	s.inflight[name] = f
	s.mu.Unlock()

	r.wg.Add(1)
	go r.run(name, s, f, factory)
	return f
}

func (r *Registry) run(name string, s *shard, f *Future, factory Factory) {
	defer r.wg.Done()

	inst, err := r.invoke(factory)
	if err == nil && inst == nil {
		err = fmt.Errorf("registry: factory for %s returned no instance", name)
	}

	s.mu.Lock()
	delete(s.inflight, name)
	if err == nil {
		s.worlds[name] = inst
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn("Создание мира %s не удалось: %v", name, err)
	} else {
		log.Debug("Мир %s установлен в реестр (%s)", name, inst.Handle)
	}
	f.resolve(inst, err)
}

// invoke вызывает factory, превращая панику в ошибку, чтобы ожидающие не зависли
func (r *Registry) invoke(factory Factory) (inst *WorldInstance, err error) {
	defer func() {
		if p := recover(); p != nil {
			inst, err = nil, fmt.Errorf("registry: factory panic: %v", p)
		}
	}()
	return factory(r.ctx)
}

// Remove атомарно забирает инстанс из реестра. Игроков не переносит.
func (r *Registry) Remove(name string) (*WorldInstance, bool) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.worlds[name]
	if ok {
		delete(s.worlds, name)
	}
	return inst, ok
}

// Install устанавливает готовый инстанс, если под этим именем нет ни мира, ни
// идущего создания. Возвращает фактический инстанс и признак установки.
func (r *Registry) Install(name string, inst *WorldInstance) (*WorldInstance, bool) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.worlds[name]; ok {
		return cur, false
	}
	if _, ok := s.inflight[name]; ok {
		return nil, false
	}
	s.worlds[name] = inst
	return inst, true
}

// List снимок всех установленных миров, отсортированный по имени
func (r *Registry) List() []Entry {
	var out []Entry
	for _, s := range r.shards {
		s.mu.Lock()
		for name, inst := range s.worlds {
			out = append(out, Entry{Name: name, Instance: inst})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len количество установленных миров
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.worlds)
		s.mu.Unlock()
	}
	return n
}

// Close отменяет контекст фабрик и ждёт завершения идущих созданий
func (r *Registry) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	r.closeMu.Unlock()

	r.cancel()
	r.wg.Wait()
}
