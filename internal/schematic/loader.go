package schematic

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/annel0/mineworlds/internal/vec"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// FileExt расширение файлов схематик
const FileExt = ".schem"

// Loader находит и разбирает шаблон по идентификатору.
// Отсутствующий шаблон обозначается ошибкой, оборачивающей ErrTemplateNotFound.
type Loader interface {
	Load(id string) (*Template, error)
}

// FileSpec содержимое файла схематики (YAML внутри zstd-потока)
type FileSpec struct {
	Name   string      `yaml:"name"`
	Bounds *Bounds     `yaml:"bounds,omitempty"`
	Spawn  *SpawnPoint `yaml:"spawn,omitempty"`
	Layout string      `yaml:"layout"` // static | ore
	Blocks [][4]int    `yaml:"blocks,omitempty"`
	Ore    *OreSpec    `yaml:"ore,omitempty"`
}

// OreSpec параметры генератора руд
type OreSpec struct {
	Seed  int64   `yaml:"seed"`
	Fill  BlockID `yaml:"fill"`
	Veins []Vein  `yaml:"veins"`
}

// Build превращает описание файла в шаблон
func (fs *FileSpec) Build(id string) (*Template, error) {
	name := fs.Name
	if name == "" {
		name = id
	}

	switch fs.Layout {
	case "", "static":
		blocks := make([]Block, 0, len(fs.Blocks))
		for _, b := range fs.Blocks {
			if b[3] < 0 || b[3] > 0xFFFF {
				return nil, fmt.Errorf("блок %v: некорректный id", b)
			}
			blocks = append(blocks, Block{Pos: vec.Vec3{X: b[0], Y: b[1], Z: b[2]}, ID: BlockID(b[3])})
		}
		layout := NewStaticLayout(blocks)

		var bounds Bounds
		if fs.Bounds != nil {
			bounds = *fs.Bounds
		} else {
			extent, ok := layout.Extent()
			if !ok {
				return nil, fmt.Errorf("пустая схематика без границ")
			}
			bounds = extent
		}
		return NewTemplate(name, bounds, fs.Spawn, layout)

	case "ore":
		if fs.Bounds == nil {
			return nil, fmt.Errorf("для layout=ore границы обязательны")
		}
		ore := fs.Ore
		if ore == nil {
			ore = &OreSpec{Veins: DefaultVeins()}
		}
		return NewTemplate(name, *fs.Bounds, fs.Spawn, NewOreLayout(ore.Seed, ore.Fill, ore.Veins))

	default:
		return nil, fmt.Errorf("неизвестный layout %q", fs.Layout)
	}
}

// Encode записывает описание в w в формате файла схематики
func Encode(w io.Writer, fs *FileSpec) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := yaml.NewEncoder(enc).Encode(fs); err != nil {
		enc.Close()
		return fmt.Errorf("yaml encode: %w", err)
	}
	return enc.Close()
}

// Decode читает описание из потока файла схематики
func Decode(r io.Reader) (*FileSpec, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var fs FileSpec
	if err := yaml.NewDecoder(dec).Decode(&fs); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	return &fs, nil
}

// WriteFile сохраняет описание в файл, создавая директорию при необходимости
func WriteFile(path string, fs *FileSpec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, fs); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadFile читает описание из файла
func ReadFile(path string) (*FileSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// FileLoader загружает схематики из <Dir>/<id>.schem
type FileLoader struct {
	Dir string
}

func (l FileLoader) Load(id string) (*Template, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("%w: недопустимый идентификатор %q", ErrTemplateNotFound, id)
	}
	path := filepath.Join(l.Dir, id+FileExt)

	fs, err := ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateNotFound, id, err)
	}
	tmpl, err := fs.Build(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateNotFound, id, err)
	}
	return tmpl, nil
}

// BuiltinLoader шаблоны, заданные в коде
type BuiltinLoader struct {
	mu        sync.RWMutex
	factories map[string]func() (*Template, error)
}

// NewBuiltinLoader создаёт загрузчик со стандартными шаблонами spawn, mine и mine_template
func NewBuiltinLoader() *BuiltinLoader {
	l := &BuiltinLoader{factories: make(map[string]func() (*Template, error))}
	l.Register("spawn", spawnPlatform)
	l.Register("mine", func() (*Template, error) {
		return NewTemplate("mine",
			Bounds{Min: vec.Vec3{X: 0, Y: 1, Z: 0}, Max: vec.Vec3{X: 31, Y: 48, Z: 31}},
			nil, NewOreLayout(1337, Stone, DefaultVeins()))
	})
	l.Register("mine_template", func() (*Template, error) {
		return NewTemplate("mine_template",
			Bounds{Min: vec.Vec3{X: 0, Y: 1, Z: 0}, Max: vec.Vec3{X: 15, Y: 32, Z: 15}},
			nil, NewOreLayout(7331, Stone, DefaultVeins()))
	})
	return l
}

// Register добавляет или заменяет фабрику шаблона
func (l *BuiltinLoader) Register(id string, factory func() (*Template, error)) {
	l.mu.Lock()
	l.factories[id] = factory
	l.mu.Unlock()
}

func (l *BuiltinLoader) Load(id string) (*Template, error) {
	l.mu.RLock()
	factory, ok := l.factories[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return factory()
}

// spawnPlatform платформа 17x17: бедрок снизу, трава сверху
func spawnPlatform() (*Template, error) {
	blocks := make([]Block, 0, 17*17*2)
	for x := -8; x <= 8; x++ {
		for z := -8; z <= 8; z++ {
			blocks = append(blocks,
				Block{Pos: vec.Vec3{X: x, Y: 63, Z: z}, ID: Bedrock},
				Block{Pos: vec.Vec3{X: x, Y: 64, Z: z}, ID: Grass},
			)
		}
	}
	layout := NewStaticLayout(blocks)
	bounds, _ := layout.Extent()
	return NewTemplate("spawn", bounds, nil, layout)
}

// ChainLoader опрашивает загрузчики по порядку до первого найденного шаблона
type ChainLoader []Loader

func (c ChainLoader) Load(id string) (*Template, error) {
	lastErr := fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	for _, l := range c {
		tmpl, err := l.Load(id)
		if err == nil {
			return tmpl, nil
		}
		if !errors.Is(err, ErrTemplateNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
