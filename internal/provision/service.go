// Package provision собирает инстансы миров из шаблонов через реестр,
// не блокируя вызывающего.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/logging"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/schematic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var log = logging.GetComponentLogger("provision")

var (
	// ErrEngineInstanceCreationFailed сборка инстанса в движке не удалась; можно повторить
	ErrEngineInstanceCreationFailed = errors.New("engine instance creation failed")
	// ErrBuildTimeout сборка не уложилась в отведённое время
	ErrBuildTimeout = fmt.Errorf("%w: build timed out", ErrEngineInstanceCreationFailed)
)

// TemplateSource источник шаблонов (schematic.Store)
type TemplateSource interface {
	Get(ctx context.Context, id string) (*schematic.Template, error)
}

// Config параметры сборки
type Config struct {
	BuildTimeout      time.Duration
	WriteBatchSize    int
	MaxParallelBuilds int
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		BuildTimeout:      30 * time.Second,
		WriteBatchSize:    4096,
		MaxParallelBuilds: 4,
	}
}

// Hooks необязательные обработчики событий сборки.
// Вызываются ровно один раз на сборку, а не на каждого ожидающего,
// и до установки инстанса в реестр.
type Hooks struct {
	OnBuilt  func(inst *registry.WorldInstance)
	OnFailed func(worldName, templateID string, err error)
}

// Service превращает (имя мира, шаблон) в живой инстанс
type Service struct {
	templates TemplateSource
	registry  *registry.Registry
	engine    engine.Engine
	cfg       Config
	sem       *semaphore.Weighted
	metrics   *Metrics
	tracer    trace.Tracer
	hooks     Hooks
}

// NewService создаёт сервис. metrics может быть nil.
func NewService(templates TemplateSource, reg *registry.Registry, eng engine.Engine, cfg Config, metrics *Metrics) *Service {
	def := DefaultConfig()
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = def.WriteBatchSize
	}
	if cfg.MaxParallelBuilds <= 0 {
		cfg.MaxParallelBuilds = def.MaxParallelBuilds
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		templates: templates,
		registry:  reg,
		engine:    eng,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxParallelBuilds)),
		metrics:   metrics,
		tracer:    otel.Tracer("mineworlds/provision"),
	}
}

// SetHooks устанавливает обработчики; вызывать до первой сборки
func (s *Service) SetHooks(h Hooks) {
	s.hooks = h
}

// Registry реестр, в который сервис устанавливает инстансы
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Engine движок, в котором строятся инстансы
func (s *Service) Engine() engine.Engine {
	return s.engine
}

// Provision возвращает Future инстанса worldName. Если мир уже есть или
// создаётся, новая сборка не запускается.
func (s *Service) Provision(worldName, templateID string) *registry.Future {
	return s.registry.GetOrCreate(worldName, func(ctx context.Context) (*registry.WorldInstance, error) {
		return s.build(ctx, worldName, templateID)
	})
}

func (s *Service) build(ctx context.Context, worldName, templateID string) (inst *registry.WorldInstance, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "provision.build", trace.WithAttributes(
		attribute.String("world.name", worldName),
		attribute.String("world.template", templateID),
	))
	start := time.Now()
	s.metrics.inflight.Inc()
	defer func() {
		s.metrics.inflight.Dec()
		s.metrics.builds.WithLabelValues(result(err)).Inc()
		s.metrics.buildDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if s.hooks.OnFailed != nil {
				s.hooks.OnFailed(worldName, templateID, err)
			}
		} else if s.hooks.OnBuilt != nil {
			s.hooks.OnBuilt(inst)
		}
		span.End()
	}()

	tmpl, err := s.templates.Get(ctx, templateID)
	if err != nil {
		return nil, s.classify(ctx, worldName, err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, s.classify(ctx, worldName, err)
	}

	// Движок может не уважать ctx: ждём не дольше таймаута, а брошенный
	// результат уничтожаем, когда он всё-таки появится
	res, err := detach(ctx, func() (buildResult, error) {
		defer s.sem.Release(1)
		return s.construct(ctx, worldName, tmpl)
	}, func(b buildResult, err error) {
		if err != nil || b.handle == "" {
			return
		}
		if derr := s.engine.DestroyInstance(context.Background(), b.handle); derr != nil {
			log.Warn("Не удалось выгрузить просроченный %s (%s): %v", worldName, b.handle, derr)
			return
		}
		log.Debug("Просроченный инстанс %s (%s) уничтожен", worldName, b.handle)
	})
	if err != nil {
		return nil, s.classify(ctx, worldName, err)
	}

	log.Info("🌍 Мир %s собран из шаблона %s: %d блоков за %s", worldName, templateID, res.written, time.Since(start).Round(time.Millisecond))
	return registry.NewInstance(worldName, tmpl, res.handle), nil
}

type buildResult struct {
	handle  engine.InstanceID
	written int
}

// construct создаёт инстанс и записывает раскладку. Частично построенный инстанс не оставляет.
func (s *Service) construct(ctx context.Context, worldName string, tmpl *schematic.Template) (buildResult, error) {
	handle, err := s.engine.CreateInstance(ctx, worldName, tmpl.Bounds())
	if err != nil {
		return buildResult{}, err
	}
	written, err := s.stamp(ctx, handle, tmpl)
	if err != nil {
		if derr := s.engine.DestroyInstance(context.Background(), handle); derr != nil {
			log.Warn("Не удалось выгрузить недостроенный %s (%s): %v", worldName, handle, derr)
		}
		return buildResult{}, err
	}
	return buildResult{handle: handle, written: written}, nil
}

// detach выполняет fn в горутине и возвращается не позже ctx.Done().
// Если ctx истёк раньше, результат fn отдаётся в abandon (может быть nil).
func detach[T any](ctx context.Context, fn func() (T, error), abandon func(T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			if abandon != nil {
				abandon(r.val, r.err)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// classify приводит ошибку к таксономии: шаблоны как есть, таймаут отдельно,
// остальное считается ошибкой создания инстанса
func (s *Service) classify(ctx context.Context, worldName string, err error) error {
	switch {
	case errors.Is(err, schematic.ErrTemplateNotFound):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s: %v", ErrBuildTimeout, worldName, s.cfg.BuildTimeout, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrEngineInstanceCreationFailed, worldName, err)
	}
}

// stamp записывает раскладку шаблона в инстанс пакетами
func (s *Service) stamp(ctx context.Context, handle engine.InstanceID, tmpl *schematic.Template) (int, error) {
	batch := make([]schematic.Block, 0, s.cfg.WriteBatchSize)
	written := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.engine.WriteRegion(ctx, handle, batch); err != nil {
			return err
		}
		written += len(batch)
		s.metrics.blocksWritten.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	err := tmpl.Blocks(func(b schematic.Block) error {
		batch = append(batch, b)
		if len(batch) >= s.cfg.WriteBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return written, err
	}
	return written, flush()
}

// Regenerate заново записывает раскладку шаблона в существующий инстанс.
// Игроки остаются на месте.
func (s *Service) Regenerate(ctx context.Context, inst *registry.WorldInstance) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "provision.regenerate", trace.WithAttributes(
		attribute.String("world.name", inst.Name),
	))
	defer func() {
		s.metrics.regens.WithLabelValues(result(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.classify(ctx, inst.Name, err)
	}

	written, err := detach(ctx, func() (int, error) {
		defer s.sem.Release(1)
		return s.stamp(ctx, inst.Handle, inst.Template)
	}, nil)
	if err != nil {
		return s.classify(ctx, inst.Name, err)
	}
	log.Debug("Раскладка %s восстановлена: %d блоков", inst.Name, written)
	return nil
}
