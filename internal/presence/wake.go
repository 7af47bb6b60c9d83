package presence

import (
	"container/heap"
	"time"
)

type wakeItem struct {
	at        time.Time
	accountID string
}

// wakeQueue is a min-heap of bucket boundaries.
type wakeQueue []wakeItem

func (q wakeQueue) Len() int           { return len(q) }
func (q wakeQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q wakeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *wakeQueue) Push(x any)        { *q = append(*q, x.(wakeItem)) }
func (q *wakeQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// wakeSchedule tracks one live wake time per account. Superseded heap items
// are skipped lazily when they reach the head.
type wakeSchedule struct {
	q    wakeQueue
	live map[string]time.Time
}

func newWakeSchedule() *wakeSchedule {
	return &wakeSchedule{live: make(map[string]time.Time)}
}

func (w *wakeSchedule) set(accountID string, at time.Time) {
	if at.IsZero() {
		delete(w.live, accountID)
		return
	}
	if cur, ok := w.live[accountID]; ok && cur.Equal(at) {
		return
	}
	w.live[accountID] = at
	heap.Push(&w.q, wakeItem{at: at, accountID: accountID})
}

// head returns the earliest live wake time.
func (w *wakeSchedule) head() (time.Time, bool) {
	for w.q.Len() > 0 {
		it := w.q[0]
		if cur, ok := w.live[it.accountID]; ok && cur.Equal(it.at) {
			return it.at, true
		}
		heap.Pop(&w.q)
	}
	return time.Time{}, false
}

// due pops every live item at or before now.
func (w *wakeSchedule) due(now time.Time) []string {
	var out []string
	for w.q.Len() > 0 && !w.q[0].at.After(now) {
		it := heap.Pop(&w.q).(wakeItem)
		if cur, ok := w.live[it.accountID]; ok && cur.Equal(it.at) {
			delete(w.live, it.accountID)
			out = append(out, it.accountID)
		}
	}
	return out
}

func (w *wakeSchedule) reset() {
	w.q = nil
	clear(w.live)
}

func (w *wakeSchedule) size() int { return len(w.live) }
