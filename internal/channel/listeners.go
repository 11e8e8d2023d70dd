package channel

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// AddMessageListener registers fn for inbound frames with the given action.
// protocol.Wildcard receives every action.
func (m *Manager) AddMessageListener(action string, fn MessageListener) Handle {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.nextHandle++
	h := m.nextHandle
	m.messages[action] = append(m.messages[action], messageEntry{h: h, fn: fn})
	m.actions[h] = action
	return h
}

// RemoveMessageListener unregisters a message listener. Unknown handles are ignored.
func (m *Manager) RemoveMessageListener(h Handle) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	action, ok := m.actions[h]
	if !ok {
		return
	}
	delete(m.actions, h)
	list := slices.DeleteFunc(m.messages[action], func(e messageEntry) bool { return e.h == h })
	if len(list) == 0 {
		delete(m.messages, action)
		return
	}
	m.messages[action] = list
}

// AddConnectionListener registers fn for connectivity changes and calls it
// once with the current state before returning.
func (m *Manager) AddConnectionListener(fn ConnectionListener) Handle {
	m.lmu.Lock()
	m.nextHandle++
	h := m.nextHandle
	m.connections = append(m.connections, connectionEntry{h: h, fn: fn})
	m.lmu.Unlock()

	fn(m.Connected())
	return h
}

// RemoveConnectionListener unregisters a connection listener.
func (m *Manager) RemoveConnectionListener(h Handle) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.connections = slices.DeleteFunc(m.connections, func(e connectionEntry) bool { return e.h == h })
}

// dispatch delivers evt to a snapshot of the listeners, so callbacks may add
// or remove listeners while it runs.
func (m *Manager) dispatch(evt protocol.Event) {
	m.lmu.RLock()
	var targets []MessageListener
	for _, e := range m.messages[evt.Action] {
		targets = append(targets, e.fn)
	}
	if evt.Action != protocol.Wildcard {
		for _, e := range m.messages[protocol.Wildcard] {
			targets = append(targets, e.fn)
		}
	}
	m.lmu.RUnlock()

	for _, fn := range targets {
		fn(evt)
	}
}

func (m *Manager) notifyConnection(connected bool) {
	m.lmu.RLock()
	targets := make([]ConnectionListener, 0, len(m.connections))
	for _, e := range m.connections {
		targets = append(targets, e.fn)
	}
	m.lmu.RUnlock()

	for _, fn := range targets {
		fn(connected)
	}
}
