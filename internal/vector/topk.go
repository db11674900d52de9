package vector

import (
	"container/heap"
	"sort"
)

type candidate struct {
	pos   int // slot in the storage slices
	score float64
	dist  float64
}

// better reports whether a ranks ahead of b: higher score first, then earlier insertion.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.pos < b.pos
}

// worstFirst is a heap whose root is the weakest retained candidate.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// topK keeps the k best candidates offered to it.
type topK struct {
	k int
	h worstFirst
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(worstFirst, 0, k)}
}

func (t *topK) offer(c candidate) {
	if len(t.h) < t.k {
		heap.Push(&t.h, c)
		return
	}
	if better(c, t.h[0]) {
		t.h[0] = c
		heap.Fix(&t.h, 0)
	}
}

// sorted returns the retained candidates best first.
func (t *topK) sorted() []candidate {
	out := append([]candidate(nil), t.h...)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}
