package registry

import (
	"context"
	"sync"
)

// Future результат асинхронного создания инстанса.
// Разрешается ровно один раз; все ожидающие получают одно и то же значение.
type Future struct {
	done chan struct{}
	once sync.Once
	inst *WorldInstance
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved уже разрешённый Future
func Resolved(inst *WorldInstance) *Future {
	f := newFuture()
	f.resolve(inst, nil)
	return f
}

// Failed Future, завершившийся ошибкой
func Failed(err error) *Future {
	f := newFuture()
	f.resolve(nil, err)
	return f
}

func (f *Future) resolve(inst *WorldInstance, err error) {
	f.once.Do(func() {
		f.inst, f.err = inst, err
		close(f.done)
	})
}

// Done закрывается после разрешения
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready сообщает, разрешён ли Future
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait ждёт результат или отмену ctx. Отмена ожидания не отменяет создание.
func (f *Future) Wait(ctx context.Context) (*WorldInstance, error) {
	select {
	case <-f.done:
		return f.inst, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then вызывает fn в отдельной горутине после разрешения
func (f *Future) Then(fn func(*WorldInstance, error)) {
	go func() {
		<-f.done
		fn(f.inst, f.err)
	}()
}

// Chain возвращает новый Future, полученный преобразованием результата
func (f *Future) Chain(fn func(*WorldInstance, error) (*WorldInstance, error)) *Future {
	next := newFuture()
	f.Then(func(inst *WorldInstance, err error) {
		next.resolve(fn(inst, err))
	})
	return next
}

// Async запускает fn в отдельной горутине и возвращает её Future
func Async(fn func() (*WorldInstance, error)) *Future {
	f := newFuture()
	go func() {
		f.resolve(fn())
	}()
	return f
}
