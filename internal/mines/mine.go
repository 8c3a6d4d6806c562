package mines

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/storage"
)

// WorldNameFor детерминированное имя мира шахты владельца
func WorldNameFor(ownerName string) string {
	return "mine_" + strings.ToLower(ownerName)
}

// PrivateMine метаданные шахты игрока и её привязка к инстансу.
// Все поля защищены mu; снаружи доступны только через методы.
type PrivateMine struct {
	mu sync.Mutex

	ownerID     string
	ownerName   string
	mineName    string
	sizeLevel   int
	beaconLevel int
	isPublic    bool
	taxRate     float64
	allowed     map[string]struct{}

	worldName string
	instance  *registry.WorldInstance

	// сериализует перезагрузки одной шахты
	reloadMu sync.Mutex
}

func newMine(ownerID, ownerName string) *PrivateMine {
	return &PrivateMine{
		ownerID:   ownerID,
		ownerName: ownerName,
		mineName:  ownerName + "'s Mine",
		sizeLevel: MinSizeLevel,
		allowed:   make(map[string]struct{}),
	}
}

func mineFromRecord(rec storage.MineRecord) *PrivateMine {
	m := newMine(rec.OwnerID, rec.OwnerName)
	if rec.MineName != "" {
		m.mineName = rec.MineName
	}
	m.sizeLevel = clampInt(rec.SizeLevel, MinSizeLevel, MaxSizeLevel)
	m.beaconLevel = clampInt(rec.BeaconLevel, 0, MaxBeaconLevel)
	m.isPublic = rec.IsPublic
	m.taxRate = clampRate(rec.TaxRate)
	for _, p := range rec.Allowed {
		m.allowed[p] = struct{}{}
	}
	m.worldName = rec.WorldName
	return m
}

func (m *PrivateMine) record() storage.MineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.MineRecord{
		OwnerID:     m.ownerID,
		OwnerName:   m.ownerName,
		MineName:    m.mineName,
		SizeLevel:   m.sizeLevel,
		BeaconLevel: m.beaconLevel,
		IsPublic:    m.isPublic,
		TaxRate:     m.taxRate,
		Allowed:     m.allowedLocked(),
		WorldName:   m.worldName,
	}
}

func (m *PrivateMine) OwnerID() string { return m.ownerID }
func (m *PrivateMine) OwnerName() string { return m.ownerName }

func (m *PrivateMine) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mineName
}

func (m *PrivateMine) SizeLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizeLevel
}

func (m *PrivateMine) BeaconLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beaconLevel
}

func (m *PrivateMine) IsPublic() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPublic
}

// TaxRate всегда в [0,1]
func (m *PrivateMine) TaxRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taxRate
}

// Multiplier производное значение для отображения
func (m *PrivateMine) Multiplier() float64 {
	return Multiplier(m.BeaconLevel())
}

// WorldName имя привязанного мира; до первой сборки вычисляется из имени владельца
func (m *PrivateMine) WorldName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worldNameLocked()
}

func (m *PrivateMine) worldNameLocked() string {
	if m.worldName != "" {
		return m.worldName
	}
	return WorldNameFor(m.ownerName)
}

// Instance привязанный инстанс или nil
func (m *PrivateMine) Instance() *registry.WorldInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instance
}

// CanAccess публичная шахта, владелец или игрок из списка допуска
func (m *PrivateMine) CanAccess(playerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isPublic || playerID == m.ownerID {
		return true
	}
	_, ok := m.allowed[playerID]
	return ok
}

// Allowed отсортированный список допуска
func (m *PrivateMine) Allowed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowedLocked()
}

func (m *PrivateMine) allowedLocked() []string {
	out := make([]string, 0, len(m.allowed))
	for p := range m.allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// bind привязывает инстанс. Смена имени мира у уже привязанной шахты нарушает инвариант.
func (m *PrivateMine) bind(worldName string, inst *registry.WorldInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worldName != "" && m.worldName != worldName {
		panic(fmt.Sprintf("mines: mine %s is bound to %q, refusing rebind to %q", m.ownerID, m.worldName, worldName))
	}
	m.worldName = worldName
	m.instance = inst
}

// upgrade атомарный read-modify-write уровня; payFn вызывается не более одного раза
// и под блокировкой шахты, поэтому не должен обращаться к ней.
func (m *PrivateMine) upgrade(level *int, max int, cost func(int) float64, payFn func(float64) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *level >= max {
		return *level, ErrMaxLevel
	}
	if !payFn(cost(*level)) {
		return *level, ErrInsufficientFunds
	}
	*level++
	return *level, nil
}

// Snapshot неизменяемое представление шахты
type Snapshot struct {
	OwnerID     string   `json:"owner_id"`
	OwnerName   string   `json:"owner_name"`
	MineName    string   `json:"mine_name"`
	SizeLevel   int      `json:"size_level"`
	BeaconLevel int      `json:"beacon_level"`
	IsPublic    bool     `json:"is_public"`
	TaxRate     float64  `json:"tax_rate"`
	Allowed     []string `json:"allowed"`
	Multiplier  float64  `json:"multiplier"`
	WorldName   string   `json:"world_name"`
	Loaded      bool     `json:"loaded"`
}

func (m *PrivateMine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		OwnerID:     m.ownerID,
		OwnerName:   m.ownerName,
		MineName:    m.mineName,
		SizeLevel:   m.sizeLevel,
		BeaconLevel: m.beaconLevel,
		IsPublic:    m.isPublic,
		TaxRate:     m.taxRate,
		Allowed:     m.allowedLocked(),
		Multiplier:  Multiplier(m.beaconLevel),
		WorldName:   m.worldNameLocked(),
		Loaded:      m.instance != nil,
	}
}

func clampRate(r float64) float64 {
	if r != r || r < 0 { // NaN тоже в ноль
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
