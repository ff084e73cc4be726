package conversation

import (
	"fmt"
	"sync"
)

// keyedQueue runs tasks for the same key one at a time in submission order.
// Each key with pending work owns one goroutine; idle keys hold nothing.
type keyedQueue struct {
	mu    sync.Mutex
	idle  *sync.Cond
	lanes map[string]*lane
	onErr func(key string, recovered any)
}

type lane struct {
	tasks []func()
}

func newKeyedQueue(onErr func(key string, recovered any)) *keyedQueue {
	q := &keyedQueue{lanes: make(map[string]*lane), onErr: onErr}
	q.idle = sync.NewCond(&q.mu)
	return q
}

func (q *keyedQueue) enqueue(key string, task func()) {
	q.mu.Lock()
	if l, ok := q.lanes[key]; ok {
		l.tasks = append(l.tasks, task)
		q.mu.Unlock()
		return
	}
	l := &lane{tasks: []func(){task}}
	q.lanes[key] = l
	q.mu.Unlock()
	go q.drain(key, l)
}

func (q *keyedQueue) drain(key string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 {
			delete(q.lanes, key)
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		q.mu.Unlock()
		q.run(key, task)
	}
}

func (q *keyedQueue) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil && q.onErr != nil {
			q.onErr(key, r)
		}
	}()
	task()
}

// wait blocks until no key has pending work.
func (q *keyedQueue) wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.lanes) > 0 {
		q.idle.Wait()
	}
}

func (q *keyedQueue) active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

func panicError(recovered any) error {
	return fmt.Errorf("conversation: lane task panicked: %v", recovered)
}
