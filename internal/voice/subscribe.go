package voice

const defaultSubscriberBuffer = 16

// Subscribe returns a stream of changes starting with the current snapshot.
// Slow subscribers miss intermediate changes rather than blocking the
// session; every change carries a full snapshot, so the latest one is always
// enough to render. The channel is closed by cancel or by Destroy.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Change, buffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		close(ch)
		return ch, func() {}
	}
	m.subSeq++
	id := m.subSeq
	m.subs[id] = ch
	ch <- m.changeLocked(nil)

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) changeLocked(n *Notification) Change {
	return Change{Seq: m.seq, At: m.clock.Now(), Snapshot: m.snapshotLocked(), Notification: n}
}

func (m *Manager) publishLocked(n *Notification) {
	m.seq++
	if len(m.subs) == 0 {
		return
	}
	c := m.changeLocked(n)
	for _, ch := range m.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
