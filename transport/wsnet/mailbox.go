package wsnet

import (
	"sync"

	"github.com/unixpickle/pairsum/group"
)

type mailboxKey struct {
	src int
	tag int
}

// A mailbox holds values that arrived before anyone asked
// for them, queued per (source, tag).
type mailbox struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queues map[mailboxKey][]int64
	failed map[int]error

	aborted *group.AbortError
}

func newMailbox() *mailbox {
	m := &mailbox{
		queues: map[mailboxKey][]int64{},
		failed: map[int]error{},
	}
	m.cond = sync.NewCond(&m.lock)
	return m
}

func (m *mailbox) put(src, tag int, value int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := mailboxKey{src: src, tag: tag}
	m.queues[key] = append(m.queues[key], value)
	m.cond.Broadcast()
}

// fail marks the link to src as broken.
// Values that already arrived can still be taken.
func (m *mailbox) fail(src int, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.failed[src]; !ok {
		m.failed[src] = err
	}
	m.cond.Broadcast()
}

// abort wakes every waiter and reports whether this was
// the first abort.
func (m *mailbox) abort(code int) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.aborted != nil {
		return false
	}
	m.aborted = &group.AbortError{Code: code}
	m.cond.Broadcast()
	return true
}

func (m *mailbox) abortErr() *group.AbortError {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.aborted
}

func (m *mailbox) take(src, tag int) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := mailboxKey{src: src, tag: tag}
	for {
		if m.aborted != nil {
			return 0, m.aborted
		}
		if queue := m.queues[key]; len(queue) > 0 {
			m.queues[key] = queue[1:]
			return queue[0], nil
		}
		if err, ok := m.failed[src]; ok {
			return 0, err
		}
		m.cond.Wait()
	}
}
