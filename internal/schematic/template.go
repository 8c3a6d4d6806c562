// Package schematic загружает и кэширует неизменяемые шаблоны миров:
// границы, точку спавна и генератор блоков.
package schematic

import (
	"errors"
	"fmt"

	"github.com/annel0/mineworlds/internal/vec"
)

// ErrTemplateNotFound возвращается, если схематику нельзя найти или разобрать
var ErrTemplateNotFound = errors.New("template not found")

// BlockID идентификатор типа блока
type BlockID uint16

const (
	Air BlockID = iota
	Stone
	Dirt
	Grass
	Bedrock
	CoalOre
	IronOre
	GoldOre
	DiamondOre
	EmeraldOre
	Beacon
)

// Block блок с абсолютными координатами внутри шаблона
type Block struct {
	Pos vec.Vec3
	ID  BlockID
}

// Bounds осевой ограничивающий параллелепипед, обе границы включительно
type Bounds struct {
	Min vec.Vec3 `yaml:"min" json:"min"`
	Max vec.Vec3 `yaml:"max" json:"max"`
}

// Valid проверяет, что Min не больше Max по всем осям
func (b Bounds) Valid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Size возвращает размеры по осям
func (b Bounds) Size() vec.Vec3 {
	return vec.Vec3{X: b.Max.X - b.Min.X + 1, Y: b.Max.Y - b.Min.Y + 1, Z: b.Max.Z - b.Min.Z + 1}
}

// Volume количество блоков внутри границ
func (b Bounds) Volume() int {
	s := b.Size()
	return s.X * s.Y * s.Z
}

// Contains проверяет принадлежность точки границам
func (b Bounds) Contains(p vec.Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Expand расширяет границы так, чтобы они включали точку
func (b Bounds) Expand(p vec.Vec3) Bounds {
	return Bounds{Min: b.Min.Min(p), Max: b.Max.Max(p)}
}

// SpawnPoint позиция и направление взгляда при появлении в мире
type SpawnPoint struct {
	Position vec.Vec3Float `yaml:"position" json:"position"`
	Yaw      float32       `yaml:"yaw" json:"yaw"`
	Pitch    float32       `yaml:"pitch" json:"pitch"`
}

// DefaultSpawn центр верхней грани границ
func DefaultSpawn(b Bounds) SpawnPoint {
	return SpawnPoint{
		Position: vec.Vec3Float{
			X: float64(b.Min.X+b.Max.X)/2 + 0.5,
			Y: float64(b.Max.Y + 1),
			Z: float64(b.Min.Z+b.Max.Z)/2 + 0.5,
		},
	}
}

// Template неизменяемый шаблон мира. Загружается один раз на идентификатор.
type Template struct {
	name        string
	bounds      Bounds
	spawn       SpawnPoint
	layout      Layout
	totalBlocks int
}

// NewTemplate собирает шаблон. При spawn == nil точка спавна вычисляется из границ.
func NewTemplate(name string, bounds Bounds, spawn *SpawnPoint, layout Layout) (*Template, error) {
	if name == "" {
		return nil, fmt.Errorf("schematic: пустое имя шаблона")
	}
	if layout == nil {
		return nil, fmt.Errorf("schematic %s: отсутствует генератор блоков", name)
	}
	if !bounds.Valid() {
		return nil, fmt.Errorf("schematic %s: некорректные границы %+v", name, bounds)
	}

	sp := DefaultSpawn(bounds)
	if spawn != nil {
		sp = *spawn
	}

	return &Template{
		name:        name,
		bounds:      bounds,
		spawn:       sp,
		layout:      layout,
		totalBlocks: layout.Count(bounds),
	}, nil
}

func (t *Template) Name() string { return t.name }
func (t *Template) Bounds() Bounds { return t.bounds }
func (t *Template) Spawn() SpawnPoint { return t.spawn }
func (t *Template) Layout() Layout { return t.layout }

// TotalBlocks количество непустых блоков, которые ставит шаблон
func (t *Template) TotalBlocks() int { return t.totalBlocks }

// Blocks перечисляет блоки шаблона
func (t *Template) Blocks(emit func(Block) error) error {
	return t.layout.Blocks(t.bounds, emit)
}
