package buffer

func (b *SendBuffer) Segments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}
