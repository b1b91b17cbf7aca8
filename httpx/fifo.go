package httpx

// fifoBlockSize must be a power of two.
const (
	fifoBlockSize = 2048
	fifoMask      = fifoBlockSize - 1
)

// fifoBlock is a fixed circular buffer. One slot stays empty to tell full
// from empty.
type fifoBlock[T any] struct {
	buf    [fifoBlockSize]T
	bottom int
	top    int
	next   *fifoBlock[T]
}

func (b *fifoBlock[T]) empty() bool { return b.top == b.bottom }

func (b *fifoBlock[T]) full() bool { return (b.top+1)&fifoMask == b.bottom }

func (b *fifoBlock[T]) push(v T) {
	b.buf[b.top] = v
	b.top = (b.top + 1) & fifoMask
}

func (b *fifoBlock[T]) shift() T {
	var zero T
	v := b.buf[b.bottom]
	b.buf[b.bottom] = zero
	b.bottom = (b.bottom + 1) & fifoMask
	return v
}

// fifo is an unbounded queue made of linked circular blocks.
type fifo[T any] struct {
	head *fifoBlock[T]
	tail *fifoBlock[T]
	n    int
}

func (q *fifo[T]) len() int { return q.n }

func (q *fifo[T]) push(v T) {
	if q.tail == nil {
		q.head = &fifoBlock[T]{}
		q.tail = q.head
	}
	if q.tail.full() {
		q.tail.next = &fifoBlock[T]{}
		q.tail = q.tail.next
	}
	q.tail.push(v)
	q.n++
}

func (q *fifo[T]) peek() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	return q.head.buf[q.head.bottom], true
}

func (q *fifo[T]) shift() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.head.shift()
	q.n--
	if q.head.empty() && q.head.next != nil {
		q.head = q.head.next
	}
	return v, true
}

// drain empties the queue and returns its items in order.
func (q *fifo[T]) drain() []T {
	out := make([]T, 0, q.n)
	for q.n > 0 {
		v, _ := q.shift()
		out = append(out, v)
	}
	return out
}

// remove drops the first item matching f.
func (q *fifo[T]) remove(f func(T) bool) bool {
	items := q.drain()
	found := false
	for _, v := range items {
		if !found && f(v) {
			found = true
			continue
		}
		q.push(v)
	}
	return found
}
