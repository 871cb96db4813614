package syncqueue

// opHeap orders operations high priority first, then oldest first within a
// priority, so urgent changes land before bulk ones and ties drain FIFO.
type opHeap []Operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Timestamp.Before(h[j].Timestamp)
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x any) { *h = append(*h, x.(Operation)) }

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	*h = old[:n-1]
	return op
}
