package registry

import "sync"

// gate RW-блокировка одного имени мира. Живёт, пока её кто-то держит или ждёт.
type gate struct {
	rw   sync.RWMutex
	refs int
}

type gates struct {
	mu sync.Mutex
	m  map[string]*gate
}

func (g *gates) acquire(name string) *gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.m == nil {
		g.m = make(map[string]*gate)
	}
	gt, ok := g.m[name]
	if !ok {
		gt = &gate{}
		g.m[name] = gt
	}
	gt.refs++
	return gt
}

func (g *gates) release(name string, gt *gate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt.refs--
	if gt.refs == 0 {
		delete(g.m, name)
	}
}

// EnterWorld разделяемая блокировка имени: держится, пока игрок входит в мир.
// Пока она взята, ExclusiveWorld для того же имени ждёт.
func (r *Registry) EnterWorld(name string) (unlock func()) {
	gt := r.gates.acquire(name)
	gt.rw.RLock()
	return func() {
		gt.rw.RUnlock()
		r.gates.release(name, gt)
	}
}

// ExclusiveWorld исключительная блокировка имени для выгрузки и перезагрузки.
// Не реентерабельна: внутри неё нельзя входить в мир с тем же именем.
func (r *Registry) ExclusiveWorld(name string) (unlock func()) {
	gt := r.gates.acquire(name)
	gt.rw.Lock()
	return func() {
		gt.rw.Unlock()
		r.gates.release(name, gt)
	}
}
