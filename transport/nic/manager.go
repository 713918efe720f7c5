// Package nic は、NICを指定した接続と、利用するNICの切り替えイベントを提供します。
//
// Manager の切り替えイベントは、フローパスのマイグレーションやスケジューラの固定先の変更に利用されます。
package nic

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aptpod/msocket-go/log"
)

type Manager struct {
	nicNames         []string
	currentNICName   *atomic.Value
	subscribers      []chan string
	subscribersMu    sync.Mutex
	nicChangeEventCh chan string
	logger           log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// OpenManager は、nicNamesを管理する Manager を返却します。
//
// initialNICが空の場合は、nicNamesの先頭を現在のNICとします。
func OpenManager(nicNames []string, initialNIC string) *Manager {
	return OpenManagerWithLogger(nicNames, initialNIC, log.NewNop())
}

// OpenManagerWithLogger は、ロガーを指定して Manager を返却します。
func OpenManagerWithLogger(nicNames []string, initialNIC string, logger log.Logger) *Manager {
	if len(nicNames) == 0 {
		panic("NICNames is required(ex eth0, eth1)")
	}

	var currentNIC atomic.Value
	currentNIC.Store(initialNIC)
	if currentNIC.Load() == "" {
		currentNIC.Store(nicNames[0])
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		nicNames:         nicNames,
		currentNICName:   &currentNIC,
		nicChangeEventCh: make(chan string, 8),
		logger:           logger,

		ctx:    ctx,
		cancel: cancel,
	}
	go m.start()
	return m
}

func (m *Manager) Close() {
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	m.cancel()
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}

func (m *Manager) GetCurrentNIC() string {
	return m.currentNICName.Load().(string)
}

func (m *Manager) GetNICNames() []string {
	return m.nicNames
}

// ChangeNIC は、現在のNICの切り替えを要求します。切り替えは非同期に購読者へ通知されます。
func (m *Manager) ChangeNIC(nic string) error {
	if !slices.Contains(m.nicNames, nic) {
		return fmt.Errorf("unknown NIC %s", nic)
	}
	select {
	case m.nicChangeEventCh <- nic:
		return nil
	case <-m.ctx.Done():
		return fmt.Errorf("already closed")
	default:
		return fmt.Errorf("failed to change NIC")
	}
}

func (m *Manager) subscribe() chan string {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	ch := make(chan string, 1)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *Manager) unsubscribe(ch chan string) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	m.subscribers = slices.DeleteFunc(m.subscribers, func(v chan string) bool {
		return v == ch
	})
}

// Subscribe は、NICの切り替えイベントを購読します。チャネルは Close で閉じられます。
func (m *Manager) Subscribe() <-chan string {
	ch := m.subscribe()
	resCh := make(chan string, 1)
	go func() {
		defer close(resCh)
		defer m.unsubscribe(ch)
		for nic := range ch {
			select {
			case <-m.ctx.Done():
				return
			case resCh <- nic:
			}
		}
	}()
	return resCh
}

func (m *Manager) start() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case nic := <-m.nicChangeEventCh:
			prev := m.GetCurrentNIC()
			m.currentNICName.Store(nic)
			m.logger.Infof(m.ctx, "NIC changed: %s -> %s", prev, nic)
			m.subscribersMu.Lock()
			subs := slices.Clone(m.subscribers)
			for _, ch := range subs {
				select {
				case ch <- nic:
				default:
					m.logger.Warnf(m.ctx, "Failed to send NIC change event: %s", nic)
				}
			}
			m.subscribersMu.Unlock()
		}
	}
}
