package schematic

import (
	"github.com/annel0/mineworlds/internal/vec"
	"github.com/aquilax/go-perlin"
)

// Layout генератор блоков шаблона
type Layout interface {
	// Blocks вызывает emit для каждого непустого блока внутри bounds.
	// Ошибка emit прерывает перечисление и возвращается наружу.
	Blocks(bounds Bounds, emit func(Block) error) error
	// Count количество непустых блоков внутри bounds
	Count(bounds Bounds) int
}

// StaticLayout явный список блоков из файла схематики
type StaticLayout struct {
	blocks []Block
}

// NewStaticLayout копирует список, отбрасывая воздух
func NewStaticLayout(blocks []Block) *StaticLayout {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.ID != Air {
			out = append(out, b)
		}
	}
	return &StaticLayout{blocks: out}
}

// Extent вычисляет границы по крайним блокам. ok == false для пустого списка.
func (l *StaticLayout) Extent() (Bounds, bool) {
	if len(l.blocks) == 0 {
		return Bounds{}, false
	}
	b := Bounds{Min: l.blocks[0].Pos, Max: l.blocks[0].Pos}
	for _, blk := range l.blocks[1:] {
		b = b.Expand(blk.Pos)
	}
	return b, true
}

func (l *StaticLayout) Blocks(bounds Bounds, emit func(Block) error) error {
	for _, b := range l.blocks {
		if !bounds.Contains(b.Pos) {
			continue
		}
		if err := emit(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *StaticLayout) Count(bounds Bounds) int {
	n := 0
	for _, b := range l.blocks {
		if bounds.Contains(b.Pos) {
			n++
		}
	}
	return n
}

// Vein описывает жилу руды: блок появляется там, где шум выше порога
type Vein struct {
	Block     BlockID `yaml:"block"`
	Threshold float64 `yaml:"threshold"`
	Scale     float64 `yaml:"scale"`
}

// OreLayout заполняет границы породой и распределяет руды шумом Перлина.
// Результат детерминирован для одного сида.
type OreLayout struct {
	seed  int64
	fill  BlockID
	veins []Vein
	noise *perlin.Perlin
}

// NewOreLayout создаёт генератор шахты
func NewOreLayout(seed int64, fill BlockID, veins []Vein) *OreLayout {
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав
	if fill == Air {
		fill = Stone
	}
	return &OreLayout{
		seed:  seed,
		fill:  fill,
		veins: append([]Vein(nil), veins...),
		noise: perlin.NewPerlin(alpha, beta, n, seed),
	}
}

// DefaultVeins стандартный набор руд для шахт
func DefaultVeins() []Vein {
	return []Vein{
		{Block: EmeraldOre, Threshold: 0.78, Scale: 0.21},
		{Block: DiamondOre, Threshold: 0.74, Scale: 0.17},
		{Block: GoldOre, Threshold: 0.70, Scale: 0.13},
		{Block: IronOre, Threshold: 0.66, Scale: 0.11},
		{Block: CoalOre, Threshold: 0.62, Scale: 0.09},
	}
}

// BlockAt возвращает блок в точке (без проверки границ)
func (l *OreLayout) BlockAt(p vec.Vec3) BlockID {
	for i, v := range l.veins {
		scale := v.Scale
		if scale == 0 {
			scale = 0.1
		}
		// Смещение по индексу, чтобы жилы разных руд не совпадали
		offset := float64(i) * 97.13
		value := (l.noise.Noise3D(float64(p.X)*scale+offset, float64(p.Y)*scale, float64(p.Z)*scale-offset) + 1) / 2
		if value >= v.Threshold {
			return v.Block
		}
	}
	return l.fill
}

func (l *OreLayout) Blocks(bounds Bounds, emit func(Block) error) error {
	for y := bounds.Min.Y; y <= bounds.Max.Y; y++ {
		for x := bounds.Min.X; x <= bounds.Max.X; x++ {
			for z := bounds.Min.Z; z <= bounds.Max.Z; z++ {
				p := vec.Vec3{X: x, Y: y, Z: z}
				if err := emit(Block{Pos: p, ID: l.BlockAt(p)}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Count для руд совпадает с объёмом: воздуха внутри шахты нет
func (l *OreLayout) Count(bounds Bounds) int {
	return bounds.Volume()
}
