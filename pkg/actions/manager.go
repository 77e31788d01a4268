// Package actions implements the trigger registry and the event-driven
// action queue at the center of second-stage boot: declared trigger blocks
// are matched against boot events and property changes, and their command
// lists run one at a time from a FIFO queue.
package actions

import (
	"github.com/minimal-systems/sysboot/pkg/logging"
	"github.com/minimal-systems/sysboot/pkg/properties"
	"github.com/minimal-systems/sysboot/pkg/rcfile"
	"github.com/minimal-systems/sysboot/pkg/service"
)

// entry is one queued unit of work: a matched trigger block together with
// the event that activated it, or an opaque builtin with a diagnostic label.
type entry struct {
	block *rcfile.TriggerBlock
	event string

	builtin func()
	label   string
}

func (e entry) name() string {
	if e.block != nil {
		return e.block.Name()
	}
	return "builtin:" + e.label
}

// Manager owns the registered trigger blocks and the action queue. All
// methods are called from the main loop goroutine only; the property
// store's subscriber path also feeds QueuePropertyChange from whatever
// goroutine committed the write, so the queue itself is guarded.
type Manager struct {
	store  *properties.Store
	logger *logging.Logger

	blocks []*rcfile.TriggerBlock
	queue   queue

	// Supervisor receives start/stop/restart commands.
	Supervisor *service.Supervisor

	// OnQueueChanged wakes the run loop after an enqueue; may be nil.
	OnQueueChanged func()
}

// NewManager creates an empty action manager.
func NewManager(store *properties.Store, logger *logging.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// RegisterBlock appends a parsed trigger block. Called only by the rc
// parser; registration order is match order.
func (m *Manager) RegisterBlock(b *rcfile.TriggerBlock) {
	m.blocks = append(m.blocks, b)
	m.logger.Debug("registered trigger block: %s (%d commands)", b.Name(), len(b.Commands))
}

// QueueEvent enqueues every block whose conditions all hold for the named
// event, in registration order.
func (m *Manager) QueueEvent(name string) {
	m.logger.Debug("processing event: %s", name)
	for _, b := range m.blocks {
		if m.matchesEvent(b, name) {
			m.enqueue(entry{block: b, event: name})
		}
	}
}

// QueuePropertyChange re-evaluates every block with a property condition
// on key. Blocks that also carry an event condition only fire on their
// event, never on a property change.
func (m *Manager) QueuePropertyChange(key, value string) {
	for _, b := range m.blocks {
		if b.HasEventCondition() || !hasPropertyCondition(b, key) {
			continue
		}
		if m.propertyConditionsHold(b) {
			m.enqueue(entry{block: b, event: "property:" + key + "=" + value})
		}
	}
}

// QueueBuiltin enqueues an opaque unit of work under a diagnostic label.
func (m *Manager) QueueBuiltin(fn func(), label string) {
	m.enqueue(entry{builtin: fn, label: label})
}

// ExecuteNext pops one entry and runs it to completion. It reports false
// when the queue is idle.
func (m *Manager) ExecuteNext() bool {
	e, ok := m.queue.pop()
	if !ok {
		return false
	}
	if e.builtin != nil {
		m.logger.Debug("executing %s", e.name())
		e.builtin()
		return true
	}
	m.logger.Info("executing %s (activated by %s)", e.name(), e.event)
	for _, cmd := range e.block.Commands {
		m.runCommand(cmd, e.block.Source)
	}
	return true
}

// Pending returns the number of queued entries.
func (m *Manager) Pending() int {
	return m.queue.len()
}

func (m *Manager) enqueue(e entry) {
	m.queue.push(e)
	m.logger.Debug("queued %s", e.name())
	if m.OnQueueChanged != nil {
		m.OnQueueChanged()
	}
}

// matchesEvent reports whether all of b's conditions hold for an event:
// every event condition equals the name, every property condition is
// currently satisfied.
func (m *Manager) matchesEvent(b *rcfile.TriggerBlock, name string) bool {
	if !b.HasEventCondition() {
		return false
	}
	for _, c := range b.Conditions {
		switch c.Type {
		case rcfile.CondEvent:
			if c.Event != name {
				return false
			}
		case rcfile.CondProperty:
			if !m.propertyHolds(c) {
				return false
			}
		}
	}
	return true
}

func hasPropertyCondition(b *rcfile.TriggerBlock, key string) bool {
	for _, c := range b.Conditions {
		if c.Type == rcfile.CondProperty && c.Key == key {
			return true
		}
	}
	return false
}

func (m *Manager) propertyConditionsHold(b *rcfile.TriggerBlock) bool {
	for _, c := range b.Conditions {
		if c.Type == rcfile.CondProperty && !m.propertyHolds(c) {
			return false
		}
	}
	return true
}

// propertyHolds evaluates one property condition; "*" matches any
// non-empty value.
func (m *Manager) propertyHolds(c rcfile.Condition) bool {
	actual := m.store.Get(c.Key, "")
	if c.Value == "*" {
		return actual != ""
	}
	return actual == c.Value
}
