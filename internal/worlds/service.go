// Package worlds внешний интерфейс подсистемы миров: сборка, телепорты,
// привязки игроков, приватные шахты и регенерация.
package worlds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/eventbus"
	"github.com/annel0/mineworlds/internal/logging"
	"github.com/annel0/mineworlds/internal/mines"
	"github.com/annel0/mineworlds/internal/provision"
	"github.com/annel0/mineworlds/internal/regen"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/schematic"
	"github.com/annel0/mineworlds/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var log = logging.GetComponentLogger("worlds")

// ErrWorldNotLoaded мир с таким именем не собран (или инстанс устарел)
var ErrWorldNotLoaded = errors.New("world not loaded")

// Config имена стартовых миров
type Config struct {
	SpawnWorld           string
	SpawnTemplate        string
	SharedMineWorld      string
	SharedMineTemplate   string
	MigrationParallelism int
	Regen                regen.Config
}

// Deps зависимости сервиса
type Deps struct {
	Provisioner *provision.Service
	Tracker     *tracker.Tracker
	Mines       *mines.Manager
	Bus         eventbus.EventBus     // может быть nil
	Registerer  prometheus.Registerer // может быть nil
}

// WorldInfo строка списка миров
type WorldInfo struct {
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	Handle    string    `json:"handle"`
	Occupants int       `json:"occupants"`
	CreatedAt time.Time `json:"created_at"`
}

// Service точка входа для команд и слушателей
type Service struct {
	cfg     Config
	prov    *provision.Service
	reg     *registry.Registry
	eng     engine.Engine
	tracker *tracker.Tracker
	mines   *mines.Manager
	regen   *regen.Scheduler
	bus     eventbus.EventBus

	closeOnce sync.Once
}

// New собирает сервис и подключает обработчики событий сборки, шахт и регенерации
func New(cfg Config, deps Deps) *Service {
	if cfg.SpawnWorld == "" {
		cfg.SpawnWorld = "spawn"
	}
	if cfg.SpawnTemplate == "" {
		cfg.SpawnTemplate = cfg.SpawnWorld
	}
	if cfg.SharedMineWorld == "" {
		cfg.SharedMineWorld = "mine"
	}
	if cfg.SharedMineTemplate == "" {
		cfg.SharedMineTemplate = cfg.SharedMineWorld
	}
	if cfg.MigrationParallelism <= 0 {
		cfg.MigrationParallelism = 8
	}

	s := &Service{
		cfg:     cfg,
		prov:    deps.Provisioner,
		reg:     deps.Provisioner.Registry(),
		eng:     deps.Provisioner.Engine(),
		tracker: deps.Tracker,
		mines:   deps.Mines,
		bus:     deps.Bus,
	}
	s.regen = regen.NewScheduler(regen.RegeneratorFunc(s.regenerateMine), cfg.Regen, deps.Registerer)
	s.regen.OnDone(s.onRegenerated)

	s.prov.SetHooks(provision.Hooks{
		OnBuilt:  s.onBuilt,
		OnFailed: s.onBuildFailed,
	})
	s.mines.SetHooks(mines.Hooks{
		OnReloaded: s.onMineReloaded,
		OnUpgraded: s.onMineUpgraded,
	})
	return s
}

// Scheduler планировщик регенерации
func (s *Service) Scheduler() *regen.Scheduler { return s.regen }

// Mines менеджер приватных шахт
func (s *Service) Mines() *mines.Manager { return s.mines }

// IsMineWorld общая шахта или приватная шахта игрока
func (s *Service) IsMineWorld(name string) bool {
	return name == s.cfg.SharedMineWorld || strings.HasPrefix(name, "mine_")
}

// Bootstrap собирает спавн и общую шахту и ждёт их готовности
func (s *Service) Bootstrap(ctx context.Context) error {
	spawn := s.ProvisionWorld(s.cfg.SpawnWorld, s.cfg.SpawnTemplate)
	mine := s.ProvisionWorld(s.cfg.SharedMineWorld, s.cfg.SharedMineTemplate)

	if _, err := spawn.Wait(ctx); err != nil {
		return fmt.Errorf("bootstrap %s: %w", s.cfg.SpawnWorld, err)
	}
	if _, err := mine.Wait(ctx); err != nil {
		return fmt.Errorf("bootstrap %s: %w", s.cfg.SharedMineWorld, err)
	}
	log.Info("🚀 Стартовые миры готовы: %s, %s", s.cfg.SpawnWorld, s.cfg.SharedMineWorld)
	return nil
}

// Start запускает периодическую проверку регенерации
func (s *Service) Start(ctx context.Context) {
	s.regen.Start(ctx)
}

// Close останавливает регенерацию
func (s *Service) Close() {
	s.closeOnce.Do(s.regen.Close)
}

// ProvisionWorld собирает мир из шаблона (или присоединяется к идущей сборке)
func (s *Service) ProvisionWorld(worldName, templateID string) *registry.Future {
	return s.prov.Provision(worldName, templateID)
}

// ResolveWorld неблокирующий поиск собранного мира
func (s *Service) ResolveWorld(worldName string) (*registry.WorldInstance, bool) {
	return s.reg.Resolve(worldName)
}

// ListWorlds все собранные миры с числом игроков
func (s *Service) ListWorlds() []WorldInfo {
	entries := s.reg.List()
	out := make([]WorldInfo, 0, len(entries))
	for _, e := range entries {
		info := WorldInfo{
			Name:      e.Name,
			Handle:    string(e.Instance.Handle),
			Occupants: e.Instance.OccupantCount(),
			CreatedAt: e.Instance.CreatedAt,
		}
		if e.Instance.Template != nil {
			info.Template = e.Instance.Template.Name()
		}
		out = append(out, info)
	}
	return out
}

// RemoveWorld выгружает мир. Игроки, привязанные к нему, переносятся на спавн
// (если он собран и это не он сам), остальные отвязываются; всё в рамках вызова.
// Телепорты в этот мир ждут окончания выгрузки.
func (s *Service) RemoveWorld(ctx context.Context, worldName string) (*registry.WorldInstance, bool, error) {
	unlock := s.reg.ExclusiveWorld(worldName)
	defer unlock()

	inst, ok := s.reg.Remove(worldName)
	if !ok {
		return nil, false, nil
	}

	players := s.occupantsOf(ctx, inst)
	var fallback *registry.WorldInstance
	if worldName != s.cfg.SpawnWorld {
		fallback, _ = s.reg.Resolve(s.cfg.SpawnWorld)
	}

	var (
		mu                    sync.Mutex
		reassigned, untracked []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MigrationParallelism)
	for _, p := range players {
		g.Go(func() error {
			if fallback != nil {
				err := s.TeleportPlayer(gctx, p, fallback, fallback.Spawn())
				if err == nil {
					mu.Lock()
					reassigned = append(reassigned, p)
					mu.Unlock()
					return nil
				}
				log.Warn("Не удалось перенести %s на %s: %v", p, fallback.Name, err)
			}
			s.tracker.UntrackIf(p, worldName)
			mu.Lock()
			untracked = append(untracked, p)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := s.eng.DestroyInstance(ctx, inst.Handle); err != nil && !errors.Is(err, engine.ErrUnknownInstance) {
		return inst, true, fmt.Errorf("destroy %s: %w", inst.Handle, err)
	}
	s.regen.Unregister(worldName)

	sort.Strings(reassigned)
	sort.Strings(untracked)
	log.Info("🗑️ Мир %s выгружен: перенесено %d, отвязано %d", worldName, len(reassigned), len(untracked))
	s.publish(eventbus.TypeWorldRemoved, 7, eventbus.WorldRemoved{
		World:      worldName,
		Handle:     string(inst.Handle),
		Reassigned: reassigned,
		Untracked:  untracked,
	})
	return inst, true, nil
}

func (s *Service) occupantsOf(ctx context.Context, inst *registry.WorldInstance) []string {
	set := make(map[string]struct{})
	for _, p := range s.tracker.PlayersIn(inst.Name) {
		set[p] = struct{}{}
	}
	if list, err := s.eng.ListOccupants(ctx, inst.Handle); err == nil {
		for _, p := range list {
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

// TeleportPlayer телепортирует игрока движком и сразу обновляет привязку.
// Устаревший инстанс (выгруженный или перезагруженный) даёт ErrWorldNotLoaded.
func (s *Service) TeleportPlayer(ctx context.Context, playerID string, inst *registry.WorldInstance, to schematic.SpawnPoint) error {
	if inst == nil {
		return ErrWorldNotLoaded
	}
	// Проверка, телепорт и привязка под одной блокировкой имени,
	// иначе выгрузка между ними оставит привязку к удалённому миру
	unlock := s.reg.EnterWorld(inst.Name)
	defer unlock()

	if cur, ok := s.reg.Resolve(inst.Name); !ok || cur != inst {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, inst.Name)
	}
	if err := s.eng.TeleportEntity(ctx, inst.Handle, playerID, to); err != nil {
		return fmt.Errorf("teleport %s to %s: %w", playerID, inst.Name, err)
	}
	s.TrackPlayerInWorld(playerID, inst.Name)
	return nil
}

// TeleportToWorld телепорт на точку появления мира по имени
func (s *Service) TeleportToWorld(ctx context.Context, playerID, worldName string) error {
	inst, ok := s.reg.Resolve(worldName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldName)
	}
	return s.TeleportPlayer(ctx, playerID, inst, inst.Spawn())
}

// TrackPlayerInWorld перезаписывает привязку игрока и поправляет счётчики игроков
func (s *Service) TrackPlayerInWorld(playerID, worldName string) {
	prev := s.tracker.Track(playerID, worldName)
	if prev == worldName {
		return
	}
	if prev != "" {
		if old, ok := s.reg.Resolve(prev); ok {
			old.AddOccupants(-1)
		}
	}
	if inst, ok := s.reg.Resolve(worldName); ok {
		inst.AddOccupants(1)
	}
}

// GetPlayerWorld текущий мир игрока
func (s *Service) GetPlayerWorld(playerID string) (string, bool) {
	return s.tracker.CurrentWorld(playerID)
}

// TrackedPlayers число игроков с привязкой
func (s *Service) TrackedPlayers() int {
	return s.tracker.Count()
}

// Disconnect снимает привязку при выходе игрока
func (s *Service) Disconnect(playerID string) {
	prev, ok := s.tracker.Untrack(playerID)
	if !ok {
		return
	}
	if inst, ok := s.reg.Resolve(prev); ok {
		inst.AddOccupants(-1)
	}
}

// GetOrCreateMine метаданные шахты владельца
func (s *Service) GetOrCreateMine(ctx context.Context, ownerID, ownerName string) (*mines.PrivateMine, error) {
	return s.mines.GetOrCreateMine(ctx, ownerID, ownerName)
}

// EnsureMineWorld мир приватной шахты, собираемый при первом обращении
func (s *Service) EnsureMineWorld(mine *mines.PrivateMine) *registry.Future {
	return s.mines.EnsureWorld(mine)
}

// ReloadMine пересобирает мир шахты с переносом игроков
func (s *Service) ReloadMine(mine *mines.PrivateMine) *registry.Future {
	return s.mines.Reload(mine)
}

// UpgradeMineSize ошибка различает ErrMaxLevel и ErrInsufficientFunds
func (s *Service) UpgradeMineSize(mine *mines.PrivateMine, payFn func(cost float64) bool) (bool, error) {
	if err := s.mines.TryUpgradeSize(mine, payFn); err != nil {
		return false, err
	}
	return true, nil
}

// UpgradeMineBeacons ошибка различает ErrMaxLevel и ErrInsufficientFunds
func (s *Service) UpgradeMineBeacons(mine *mines.PrivateMine, payFn func(cost float64) bool) (bool, error) {
	if err := s.mines.TryUpgradeBeacons(mine, payFn); err != nil {
		return false, err
	}
	return true, nil
}

// ReportBlockBroken передаёт сломанный блок планировщику регенерации.
// true если этот блок запустил регенерацию.
func (s *Service) ReportBlockBroken(mineID string) bool {
	return s.regen.ReportBlockBroken(mineID)
}

func (s *Service) regenerateMine(ctx context.Context, worldName string) error {
	inst, ok := s.reg.Resolve(worldName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotLoaded, worldName)
	}
	return s.prov.Regenerate(ctx, inst)
}

func (s *Service) onBuilt(inst *registry.WorldInstance) {
	if s.IsMineWorld(inst.Name) && inst.Template.TotalBlocks() > 0 {
		s.regen.Register(inst.Name, inst.Template.TotalBlocks())
	}
	s.publish(eventbus.TypeWorldProvisioned, 5, eventbus.WorldProvisioned{
		World:       inst.Name,
		Template:    inst.Template.Name(),
		Handle:      string(inst.Handle),
		TotalBlocks: inst.Template.TotalBlocks(),
	})
}

func (s *Service) onBuildFailed(worldName, templateID string, err error) {
	s.publish(eventbus.TypeWorldProvisionFailed, 7, eventbus.WorldProvisionFailed{
		World:    worldName,
		Template: templateID,
		Error:    err.Error(),
	})
}

func (s *Service) onMineReloaded(m mines.Snapshot, inst *registry.WorldInstance, migrated int) {
	s.publish(eventbus.TypeMineReloaded, 5, eventbus.MineReloaded{
		Owner:    m.OwnerID,
		World:    inst.Name,
		Handle:   string(inst.Handle),
		Migrated: migrated,
	})
}

func (s *Service) onMineUpgraded(m mines.Snapshot, kind string, cost float64) {
	level := m.SizeLevel
	if kind == mines.UpgradeKindBeacon {
		level = m.BeaconLevel
	}
	s.publish(eventbus.TypeMineUpgraded, 3, eventbus.MineUpgraded{
		Owner: m.OwnerID,
		Kind:  kind,
		Level: level,
		Cost:  cost,
	})
}

func (s *Service) onRegenerated(mineID string, err error, took time.Duration) {
	ev := eventbus.MineRegenerated{World: mineID, DurationMs: took.Milliseconds()}
	eventType := eventbus.TypeMineRegenerated
	if err != nil {
		ev.Error = err.Error()
		eventType = eventbus.TypeMineRegenerationError
	}
	s.publish(eventType, 3, ev)
}

func (s *Service) publish(eventType string, priority int, payload any) {
	if s.bus == nil {
		return
	}
	ev, err := eventbus.NewEnvelope(eventType, priority, payload)
	if err != nil {
		log.Warn("Не удалось упаковать событие %s: %v", eventType, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Warn("Не удалось опубликовать %s: %v", eventType, err)
	}
}
