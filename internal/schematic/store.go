package schematic

import (
	"context"
	"sort"
	"sync"

	"github.com/annel0/mineworlds/internal/logging"
)

var log = logging.GetComponentLogger("schematic")

// loadCall загрузка шаблона, которую ждут все конкурентные вызовы Get
type loadCall struct {
	done chan struct{}
	tmpl *Template
	err  error
}

// Store кэширует шаблоны на время жизни процесса.
// Конкурентные Get с одним id разбирают файл один раз, остальные ждут результата.
// Ошибки не кэшируются: следующий Get повторит загрузку.
type Store struct {
	loader Loader

	mu      sync.Mutex
	entries map[string]*loadCall
}

// NewStore создаёт хранилище поверх загрузчика
func NewStore(loader Loader) *Store {
	return &Store{
		loader:  loader,
		entries: make(map[string]*loadCall),
	}
}

// Get возвращает шаблон, загружая его при первом обращении
func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	s.mu.Lock()
	call, ok := s.entries[id]
	if !ok {
		call = &loadCall{done: make(chan struct{})}
		s.entries[id] = call
		s.mu.Unlock()

		go s.load(id, call)
	} else {
		s.mu.Unlock()
	}

	select {
	case <-call.done:
		return call.tmpl, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) load(id string, call *loadCall) {
	tmpl, err := s.loader.Load(id)

	s.mu.Lock()
	if err != nil {
		delete(s.entries, id)
	}
	call.tmpl, call.err = tmpl, err
	s.mu.Unlock()
	close(call.done)

	if err != nil {
		log.Warn("Шаблон %s не загружен: %v", id, err)
		return
	}
	log.Info("📐 Шаблон %s загружен: границы %v..%v, блоков %d",
		id, tmpl.Bounds().Min, tmpl.Bounds().Max, tmpl.TotalBlocks())
}

// Preload загружает шаблоны заранее, возвращая первую ошибку
func (s *Store) Preload(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Cached список успешно загруженных шаблонов
func (s *Store) Cached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id, call := range s.entries {
		select {
		case <-call.done:
			if call.err == nil {
				ids = append(ids, id)
			}
		default:
		}
	}
	sort.Strings(ids)
	return ids
}
