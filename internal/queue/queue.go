// Package queue provides the bounded max-heap used to collect the k nearest
// candidates of a scan.
package queue

import "sort"

// Item is a candidate offset with its distance to the query.
type Item struct {
	Offset   uint32
	Distance float32
}

// TopK keeps the k items with the smallest distance seen so far.
// The zero value is not usable; create one with NewTopK.
type TopK struct {
	k     int
	items []Item // max-heap on Distance, worst candidate at items[0]
}

// NewTopK creates a collector for the k closest items.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, items: make([]Item, 0, k)}
}

// Len returns the number of collected items.
func (q *TopK) Len() int { return len(q.items) }

// Full reports whether k items were collected.
func (q *TopK) Full() bool { return len(q.items) >= q.k }

// Worst returns the largest collected distance.
func (q *TopK) Worst() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Offer adds item if it is among the k closest seen so far.
// It reports whether the item was kept.
func (q *TopK) Offer(item Item) bool {
	if q.k == 0 {
		return false
	}
	if len(q.items) < q.k {
		q.items = append(q.items, item)
		q.siftUp(len(q.items) - 1)
		return true
	}
	if !worse(q.items[0], item) {
		return false
	}
	q.items[0] = item
	q.siftDown(0)
	return true
}

// Results returns the collected items ordered by ascending distance, ties
// broken by offset. The collector is reset.
func (q *TopK) Results() []Item {
	out := q.items
	q.items = make([]Item, 0, q.k)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

// worse reports whether a ranks behind b.
func worse(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Offset > b.Offset
}

func (q *TopK) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !worse(q.items[i], q.items[p]) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *TopK) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		r := l + 1
		if r < n && worse(q.items[r], q.items[l]) {
			best = r
		}
		if !worse(q.items[best], q.items[i]) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
