package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, targetName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[targetName]
	for i, existing := range insts {
		if existing.Addr == inst.Addr {
			insts[i] = inst
			m.notify(targetName)
			return nil
		}
	}
	m.instances[targetName] = append(insts, inst)
	m.notify(targetName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, targetName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[targetName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[targetName] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	m.notify(targetName)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, targetName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceInstance(nil), m.instances[targetName]...), nil
}

// Watch delivers the latest instance list after each change; stale lists are dropped.
func (m *MemoryRegistry) Watch(ctx context.Context, targetName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[targetName] = append(m.watchers[targetName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[targetName]
		for i, w := range ws {
			if w == ch {
				m.watchers[targetName] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with mu held.
func (m *MemoryRegistry) notify(targetName string) {
	snapshot := append([]ServiceInstance(nil), m.instances[targetName]...)
	for _, ch := range m.watchers[targetName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
