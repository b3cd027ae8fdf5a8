package audio

import "github.com/dkeye/salescall/internal/core"

// Queue holds inbound segments waiting for the sink. Loop-owned.
type Queue struct {
	items []core.Frame
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Push(f core.Frame) { q.items = append(q.items, f) }

func (q *Queue) Pop() (core.Frame, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return f, true
}

func (q *Queue) Len() int { return len(q.items) }

// Flush drops everything and reports how many segments were discarded.
func (q *Queue) Flush() int {
	n := len(q.items)
	q.items = nil
	return n
}
