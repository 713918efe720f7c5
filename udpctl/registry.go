package udpctl

import (
	"net/netip"
	"sync"

	"github.com/aptpod/msocket-go/errors"
)

// Registry は、ローカルのインターフェースアドレスごとに Controller を保持します。
//
// プロセス内の複数の論理コネクションが同じ Controller を共有するために使用します。
type Registry struct {
	mu          sync.Mutex
	controllers map[netip.Addr]*Controller
	config      Config
	closed      bool
}

// NewRegistry は、新しい Registry を返却します。cは、Get で生成する Controller の設定です。
func NewRegistry(c Config) *Registry {
	return &Registry{
		controllers: make(map[netip.Addr]*Controller),
		config:      c,
	}
}

// Get は、localに束縛された Controller を返却します。存在しない場合は任意のポートで生成します。
func (r *Registry) Get(local netip.Addr) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.ErrConnectionClosed
	}
	if ctl, ok := r.controllers[local]; ok {
		return ctl, nil
	}
	ctl, err := Listen(netip.AddrPortFrom(local, 0).String(), r.config)
	if err != nil {
		return nil, err
	}
	r.controllers[local] = ctl
	return ctl, nil
}

// Put は、localに対応する Controller を登録します。既存の Controller は閉じられます。
func (r *Registry) Put(local netip.Addr, ctl *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.controllers[local]; ok && old != ctl {
		old.Close()
	}
	r.controllers[local] = ctl
}

// Len は、保持している Controller の数を返却します。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Close は、すべての Controller を閉じます。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for k, ctl := range r.controllers {
		if err := ctl.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.controllers, k)
	}
	return errors.Join(errs...)
}
