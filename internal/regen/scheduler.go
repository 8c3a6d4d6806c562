// Package regen следит за истощением шахт и запускает их регенерацию.
package regen

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/mineworlds/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.GetComponentLogger("regen")

// State состояние шахты
type State int32

const (
	StateFresh State = iota
	StateDepleting
	StateRegenerating
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateDepleting:
		return "DEPLETING"
	case StateRegenerating:
		return "REGENERATING"
	default:
		return "UNKNOWN"
	}
}

// Regenerator восстанавливает раскладку блоков шахты
type Regenerator interface {
	Regenerate(ctx context.Context, mineID string) error
}

// RegeneratorFunc адаптер функции к Regenerator
type RegeneratorFunc func(ctx context.Context, mineID string) error

func (f RegeneratorFunc) Regenerate(ctx context.Context, mineID string) error {
	return f(ctx, mineID)
}

type mineState struct {
	state  atomic.Int32
	broken atomic.Int64
	total  atomic.Int64
}

func (m *mineState) load() State {
	return State(m.state.Load())
}

func (m *mineState) cas(from, to State) bool {
	return m.state.CompareAndSwap(int32(from), int32(to))
}

// Status снимок состояния шахты
type Status struct {
	MineID      string `json:"mine_id"`
	State       string `json:"state"`
	Broken      int64  `json:"broken"`
	TotalBlocks int64  `json:"total_blocks"`
}

// Config параметры планировщика
type Config struct {
	Threshold     float64
	SweepInterval time.Duration
}

// Scheduler автомат FRESH -> DEPLETING -> REGENERATING -> FRESH для каждой шахты.
// Переходы делаются CAS по полю состояния, поэтому отчёты о блоках не блокируются.
type Scheduler struct {
	regen   Regenerator
	cfg     Config
	metrics *Metrics

	mu    sync.RWMutex
	mines map[string]*mineState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onDone func(mineID string, err error, took time.Duration)
}

// NewScheduler создаёт планировщик; reg может быть nil
func NewScheduler(r Regenerator, cfg Config, reg prometheus.Registerer) *Scheduler {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.8
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		regen:   r,
		cfg:     cfg,
		metrics: NewMetrics(reg),
		mines:   make(map[string]*mineState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnDone вызывается после каждой регенерации; задавать до начала работы
func (s *Scheduler) OnDone(fn func(mineID string, err error, took time.Duration)) {
	s.onDone = fn
}

// Register начинает отслеживание шахты. Повторная регистрация (мир пересобран)
// обнуляет счётчик, если регенерация сейчас не идёт.
func (s *Scheduler) Register(mineID string, totalBlocks int) {
	if totalBlocks <= 0 {
		panic("regen: totalBlocks must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.mines[mineID]
	if !ok {
		st = &mineState{}
		s.mines[mineID] = st
	}
	st.total.Store(int64(totalBlocks))
	if st.load() != StateRegenerating {
		st.broken.Store(0)
		st.state.Store(int32(StateFresh))
	}
}

// Unregister прекращает отслеживание
func (s *Scheduler) Unregister(mineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mines, mineID)
}

func (s *Scheduler) get(mineID string) *mineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mines[mineID]
}

// ReportBlockBroken учитывает сломанный блок. true только если этот вызов
// перевёл шахту в REGENERATING. Во время регенерации отчёты игнорируются.
func (s *Scheduler) ReportBlockBroken(mineID string) bool {
	st := s.get(mineID)
	if st == nil {
		return false
	}
	if st.load() == StateRegenerating {
		return false
	}
	n := st.broken.Add(1)
	s.metrics.blocksBroken.Inc()
	st.cas(StateFresh, StateDepleting)

	if !s.depleted(st, n) {
		return false
	}
	return s.start(mineID, st)
}

// Trigger запускает регенерацию вне зависимости от порога (админ-команда)
func (s *Scheduler) Trigger(mineID string) bool {
	st := s.get(mineID)
	if st == nil {
		return false
	}
	st.cas(StateFresh, StateDepleting)
	return s.start(mineID, st)
}

func (s *Scheduler) depleted(st *mineState, broken int64) bool {
	total := st.total.Load()
	return total > 0 && float64(broken)/float64(total) >= s.cfg.Threshold
}

func (s *Scheduler) start(mineID string, st *mineState) bool {
	if !st.cas(StateDepleting, StateRegenerating) {
		return false
	}
	s.metrics.triggered.Inc()
	s.metrics.active.Inc()
	s.wg.Add(1)
	go s.run(mineID, st)
	return true
}

func (s *Scheduler) run(mineID string, st *mineState) {
	defer s.wg.Done()
	defer s.metrics.active.Dec()

	log.Info("♻️ Регенерация шахты %s (сломано %d/%d)", mineID, st.broken.Load(), st.total.Load())
	start := time.Now()
	err := s.regen.Regenerate(s.ctx, mineID)
	took := time.Since(start)

	if err != nil {
		s.metrics.failed.Inc()
		log.Warn("Регенерация шахты %s не удалась: %v", mineID, err)
		st.cas(StateRegenerating, StateDepleting)
	} else {
		st.broken.Store(0)
		st.cas(StateRegenerating, StateFresh)
		log.Debug("Шахта %s восстановлена за %v", mineID, took)
	}

	if s.onDone != nil {
		s.onDone(mineID, err, took)
	}
}

// Sweep проверяет все шахты и запускает регенерацию истощённых
// (например, после неудачной попытки). Возвращает число запусков.
func (s *Scheduler) Sweep() int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.mines))
	states := make([]*mineState, 0, len(s.mines))
	for id, st := range s.mines {
		ids = append(ids, id)
		states = append(states, st)
	}
	s.mu.RUnlock()

	started := 0
	for i, st := range states {
		if st.load() == StateDepleting && s.depleted(st, st.broken.Load()) && s.start(ids[i], st) {
			started++
		}
	}
	return started
}

// Start запускает периодическую проверку до отмены ctx или Close
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.Debug("Периодическая проверка запустила %d регенераций", n)
				}
			}
		}
	}()
}

// Status состояние одной шахты
func (s *Scheduler) Status(mineID string) (Status, bool) {
	st := s.get(mineID)
	if st == nil {
		return Status{}, false
	}
	return Status{
		MineID:      mineID,
		State:       st.load().String(),
		Broken:      st.broken.Load(),
		TotalBlocks: st.total.Load(),
	}, true
}

// State текущее состояние шахты
func (s *Scheduler) State(mineID string) (State, bool) {
	st := s.get(mineID)
	if st == nil {
		return 0, false
	}
	return st.load(), true
}

// List статусы всех шахт, отсортированные по id
func (s *Scheduler) List() []Status {
	s.mu.RLock()
	ids := make([]string, 0, len(s.mines))
	for id := range s.mines {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Close отменяет идущие регенерации и ждёт их завершения
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
