package mines

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/logging"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/storage"
	"github.com/annel0/mineworlds/internal/tracker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var log = logging.GetComponentLogger("mines")

const persistTimeout = 5 * time.Second

// Provisioner сборка миров (provision.Service)
type Provisioner interface {
	Provision(worldName, templateID string) *registry.Future
	Registry() *registry.Registry
	Engine() engine.Engine
}

// Config параметры менеджера
type Config struct {
	Template             string // шаблон приватной шахты
	MigrationParallelism int
}

// Hooks уведомления о событиях шахт (для шины событий)
type Hooks struct {
	OnReloaded func(s Snapshot, inst *registry.WorldInstance, migrated int)
	OnUpgraded func(s Snapshot, kind string, cost float64)
}

// UpgradeKind что улучшается
const (
	UpgradeKindSize   = "size"
	UpgradeKindBeacon = "beacon"
)

// Manager владеет метаданными приватных шахт и их привязкой к мирам
type Manager struct {
	prov    Provisioner
	tracker *tracker.Tracker
	repo    storage.MineRepo
	cfg     Config
	hooks   Hooks
	tracer  trace.Tracer

	mu    sync.RWMutex
	mines map[string]*PrivateMine
}

// NewManager создаёт менеджер. repo может быть nil (без сохранения).
func NewManager(prov Provisioner, tr *tracker.Tracker, repo storage.MineRepo, cfg Config) *Manager {
	if cfg.Template == "" {
		cfg.Template = "mine_template"
	}
	if cfg.MigrationParallelism <= 0 {
		cfg.MigrationParallelism = 8
	}
	if repo == nil {
		repo = storage.NewMemoryMineRepo()
	}
	return &Manager{
		prov:    prov,
		tracker: tr,
		repo:    repo,
		cfg:     cfg,
		tracer:  otel.Tracer("mineworlds/mines"),
		mines:   make(map[string]*PrivateMine),
	}
}

// SetHooks вызывать до начала работы
func (m *Manager) SetHooks(h Hooks) {
	m.hooks = h
}

// LoadAll загружает сохранённые шахты в память
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	recs, err := m.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load mines: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, ok := m.mines[rec.OwnerID]; !ok {
			m.mines[rec.OwnerID] = mineFromRecord(rec)
		}
	}
	log.Info("⛏️ Загружено шахт: %d", len(recs))
	return len(recs), nil
}

// Get шахта владельца, если уже создана
func (m *Manager) Get(ownerID string) (*PrivateMine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mine, ok := m.mines[ownerID]
	return mine, ok
}

// List снимки всех шахт, отсортированные по владельцу
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*PrivateMine, 0, len(m.mines))
	for _, mine := range m.mines {
		all = append(all, mine)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, mine := range all {
		out = append(out, mine.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

// GetOrCreateMine возвращает метаданные шахты, создавая значения по умолчанию
// при первом обращении. Мир не собирается.
func (m *Manager) GetOrCreateMine(ctx context.Context, ownerID, ownerName string) (*PrivateMine, error) {
	if mine, ok := m.Get(ownerID); ok {
		return mine, nil
	}

	rec, found, err := m.repo.Load(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load mine %s: %w", ownerID, err)
	}
	var mine *PrivateMine
	if found {
		mine = mineFromRecord(rec)
	} else {
		mine = newMine(ownerID, ownerName)
	}

	m.mu.Lock()
	if existing, ok := m.mines[ownerID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mines[ownerID] = mine
	m.mu.Unlock()

	if !found {
		log.Debug("Создана шахта для %s (%s)", ownerName, ownerID)
		m.persist(mine)
	}
	return mine, nil
}

func (m *Manager) persist(mine *PrivateMine) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	rec := mine.record()
	rec.UpdatedAt = time.Now().UTC()
	if err := m.repo.Save(ctx, rec); err != nil {
		log.Warn("⚠️ Не удалось сохранить шахту %s: %v", rec.OwnerID, err)
	}
}

// EnsureWorld возвращает мир шахты, собирая его при первом обращении.
// Повторные вызовы отдают уже привязанный инстанс без новой сборки.
func (m *Manager) EnsureWorld(mine *PrivateMine) *registry.Future {
	name := mine.WorldName()
	if inst := mine.Instance(); inst != nil {
		if cur, ok := m.prov.Registry().Resolve(name); ok && cur == inst {
			return registry.Resolved(inst)
		}
	}
	return m.prov.Provision(name, m.cfg.Template).Chain(func(inst *registry.WorldInstance, err error) (*registry.WorldInstance, error) {
		if err != nil {
			return nil, err
		}
		if mine.Instance() != inst {
			mine.bind(name, inst)
			m.persist(mine)
		}
		return inst, nil
	})
}

// Reload пересобирает мир шахты под тем же именем и переносит в новый инстанс
// всех игроков, бывших в старом. Старый инстанс уничтожается после переноса.
func (m *Manager) Reload(mine *PrivateMine) *registry.Future {
	return registry.Async(func() (*registry.WorldInstance, error) {
		mine.reloadMu.Lock()
		defer mine.reloadMu.Unlock()
		return m.reload(context.Background(), mine)
	})
}

func (m *Manager) reload(ctx context.Context, mine *PrivateMine) (_ *registry.WorldInstance, err error) {
	name := mine.WorldName()
	reg := m.prov.Registry()
	eng := m.prov.Engine()

	// Телепорты в мир шахты ждут, пока идёт подмена инстанса
	unlock := reg.ExclusiveWorld(name)
	defer unlock()

	ctx, span := m.tracer.Start(ctx, "mines.reload", trace.WithAttributes(
		attribute.String("mine.owner", mine.OwnerID()),
		attribute.String("world.name", name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	old, _ := reg.Remove(name)
	occupants := m.occupantsOf(ctx, name, old)

	inst, err := m.prov.Provision(name, m.cfg.Template).Wait(ctx)
	if err != nil {
		if old != nil {
			if _, restored := reg.Install(name, old); restored {
				log.Warn("Перезагрузка %s не удалась, старый инстанс возвращён: %v", name, err)
			}
		}
		return nil, fmt.Errorf("reload %s: %w", name, err)
	}

	migrated := m.migrate(ctx, inst, occupants)
	inst.SetOccupantCount(migrated)

	if old != nil && old != inst {
		if err := eng.DestroyInstance(ctx, old.Handle); err != nil && !errors.Is(err, engine.ErrUnknownInstance) {
			log.Warn("Не удалось уничтожить старый инстанс %s: %v", old.Handle, err)
		}
	}

	mine.bind(name, inst)
	m.persist(mine)

	log.Info("🔄 Шахта %s перезагружена: %s, перенесено игроков %d/%d", name, inst.Handle, migrated, len(occupants))
	if m.hooks.OnReloaded != nil {
		m.hooks.OnReloaded(mine.Snapshot(), inst, migrated)
	}
	return inst, nil
}

// occupantsOf объединение игроков по трекеру и по движку
func (m *Manager) occupantsOf(ctx context.Context, name string, old *registry.WorldInstance) []string {
	set := make(map[string]struct{})
	for _, p := range m.tracker.PlayersIn(name) {
		set[p] = struct{}{}
	}
	if old != nil {
		engineOccupants, err := m.prov.Engine().ListOccupants(ctx, old.Handle)
		if err != nil {
			log.Warn("Не удалось получить игроков инстанса %s: %v", old.Handle, err)
		}
		for _, p := range engineOccupants {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) migrate(ctx context.Context, inst *registry.WorldInstance, players []string) int {
	var (
		mu       sync.Mutex
		migrated int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MigrationParallelism)
	spawn := inst.Spawn()
	for _, p := range players {
		g.Go(func() error {
			if err := m.prov.Engine().TeleportEntity(gctx, inst.Handle, p, spawn); err != nil {
				log.Warn("Не удалось перенести %s в %s: %v", p, inst.Name, err)
				return nil
			}
			m.tracker.Track(p, inst.Name)
			mu.Lock()
			migrated++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return migrated
}

// TryUpgradeSize улучшает размер; ошибка различает максимальный уровень и отказ в оплате
func (m *Manager) TryUpgradeSize(mine *PrivateMine, payFn func(cost float64) bool) error {
	return m.tryUpgrade(mine, UpgradeKindSize, payFn)
}

// TryUpgradeBeacons улучшает маяки
func (m *Manager) TryUpgradeBeacons(mine *PrivateMine, payFn func(cost float64) bool) error {
	return m.tryUpgrade(mine, UpgradeKindBeacon, payFn)
}

// UpgradeSize true если уровень повышен
func (m *Manager) UpgradeSize(mine *PrivateMine, payFn func(cost float64) bool) bool {
	return m.TryUpgradeSize(mine, payFn) == nil
}

// UpgradeBeacons true если уровень повышен
func (m *Manager) UpgradeBeacons(mine *PrivateMine, payFn func(cost float64) bool) bool {
	return m.TryUpgradeBeacons(mine, payFn) == nil
}

func (m *Manager) tryUpgrade(mine *PrivateMine, kind string, payFn func(cost float64) bool) error {
	var paid float64
	pay := func(cost float64) bool {
		paid = cost
		return payFn(cost)
	}

	var (
		level int
		err   error
	)
	switch kind {
	case UpgradeKindSize:
		level, err = mine.upgrade(&mine.sizeLevel, MaxSizeLevel, SizeCost, pay)
	case UpgradeKindBeacon:
		level, err = mine.upgrade(&mine.beaconLevel, MaxBeaconLevel, BeaconCost, pay)
	default:
		panic("mines: unknown upgrade kind " + kind)
	}
	if err != nil {
		return err
	}

	log.Info("⬆️ Шахта %s: %s -> %d (%.0f)", mine.OwnerID(), kind, level, paid)
	m.persist(mine)
	if m.hooks.OnUpgraded != nil {
		m.hooks.OnUpgraded(mine.Snapshot(), kind, paid)
	}
	return nil
}

// PreviewSizeUpgrade цена следующего улучшения размера; maxed если улучшать некуда
func (m *Manager) PreviewSizeUpgrade(mine *PrivateMine) (cost float64, maxed bool) {
	level := mine.SizeLevel()
	if level >= MaxSizeLevel {
		return 0, true
	}
	return SizeCost(level), false
}

// PreviewBeaconUpgrade цена следующего улучшения маяков
func (m *Manager) PreviewBeaconUpgrade(mine *PrivateMine) (cost float64, maxed bool) {
	level := mine.BeaconLevel()
	if level >= MaxBeaconLevel {
		return 0, true
	}
	return BeaconCost(level), false
}

// ResetLevels административный сброс уровней
func (m *Manager) ResetLevels(mine *PrivateMine) {
	mine.mu.Lock()
	mine.sizeLevel = MinSizeLevel
	mine.beaconLevel = 0
	mine.mu.Unlock()
	m.persist(mine)
}

func (m *Manager) Rename(mine *PrivateMine, name string) {
	mine.mu.Lock()
	mine.mineName = name
	mine.mu.Unlock()
	m.persist(mine)
}

func (m *Manager) SetPublic(mine *PrivateMine, public bool) {
	mine.mu.Lock()
	mine.isPublic = public
	mine.mu.Unlock()
	m.persist(mine)
}

// SetTaxRate значение обрезается до [0,1]
func (m *Manager) SetTaxRate(mine *PrivateMine, rate float64) {
	mine.mu.Lock()
	mine.taxRate = clampRate(rate)
	mine.mu.Unlock()
	m.persist(mine)
}

func (m *Manager) Allow(mine *PrivateMine, playerID string) {
	mine.mu.Lock()
	mine.allowed[playerID] = struct{}{}
	mine.mu.Unlock()
	m.persist(mine)
}

func (m *Manager) Disallow(mine *PrivateMine, playerID string) {
	mine.mu.Lock()
	delete(mine.allowed, playerID)
	mine.mu.Unlock()
	m.persist(mine)
}

// CanAccess см. PrivateMine.CanAccess
func (m *Manager) CanAccess(mine *PrivateMine, playerID string) bool {
	return mine.CanAccess(playerID)
}
