package httpx

// compactThreshold is the number of dead slots tolerated before the queue
// is shifted down.
const compactThreshold = 256

// queue holds the requests of one connection. Slots below running are done
// (nil), [running, pending) are written and awaiting responses, and
// [pending, len) are waiting to be written.
type queue struct {
	items   []*request
	running int
	pending int
}

func (q *queue) push(r *request) { q.items = append(q.items, r) }

// size counts requests that have not completed.
func (q *queue) size() int { return len(q.items) - q.running }

func (q *queue) runningLen() int { return q.pending - q.running }

func (q *queue) pendingLen() int { return len(q.items) - q.pending }

// head returns the oldest running request.
func (q *queue) head() *request {
	if q.runningLen() == 0 {
		return nil
	}
	return q.items[q.running]
}

func (q *queue) nextPending() *request {
	if q.pendingLen() == 0 {
		return nil
	}
	return q.items[q.pending]
}

func (q *queue) advancePending() { q.pending++ }

// removePending drops the next pending request.
func (q *queue) removePending() {
	copy(q.items[q.pending:], q.items[q.pending+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
}

// remove drops r if it has not been written yet.
func (q *queue) remove(r *request) bool {
	for i := q.pending; i < len(q.items); i++ {
		if q.items[i] == r {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// isRunning reports whether r was written and has not completed.
func (q *queue) isRunning(r *request) bool {
	for i := q.running; i < q.pending; i++ {
		if q.items[i] == r {
			return true
		}
	}
	return false
}

// complete retires the head running request.
func (q *queue) complete() *request {
	r := q.items[q.running]
	q.items[q.running] = nil
	q.running++
	if q.running > compactThreshold {
		n := copy(q.items, q.items[q.running:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.pending -= q.running
		q.running = 0
	}
	return r
}

// rewind moves running requests back to pending so they are written again.
func (q *queue) rewind() { q.pending = q.running }

// anyRunning reports whether a running request satisfies f.
func (q *queue) anyRunning(f func(*request) bool) bool {
	for i := q.running; i < q.pending; i++ {
		if f(q.items[i]) {
			return true
		}
	}
	return false
}

// drain removes and returns every request that has not completed.
func (q *queue) drain() []*request {
	out := append([]*request(nil), q.items[q.running:]...)
	clear(q.items)
	q.items = q.items[:0]
	q.running, q.pending = 0, 0
	return out
}
