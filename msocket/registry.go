package msocket

import "sync"

// connRegistryは、コネクションIDから論理コネクションを引くためのレジストリです。
type connRegistry struct {
	mu    sync.RWMutex
	conns map[uint64]*Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[uint64]*Conn)}
}

// reserveは、idが未使用の場合にconnを登録しtrueを返却します。
func (r *connRegistry) reserve(id uint64, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = conn
	return true
}

func (r *connRegistry) exists(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

func (r *connRegistry) lookup(id uint64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *connRegistry) remove(id uint64, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == conn {
		delete(r.conns, id)
	}
}

func (r *connRegistry) list() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		res = append(res, c)
	}
	return res
}

func (r *connRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
