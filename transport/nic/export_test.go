package nic

func ManagerSubscribe(m *Manager) chan string {
	return m.subscribe()
}

func ManagerUnubscribe(m *Manager, ch chan string) {
	m.unsubscribe(ch)
}
