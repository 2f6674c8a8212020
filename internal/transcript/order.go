// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package transcript

import "container/heap"

// indexHeap is a min-heap of file-order indices.
type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// orderByParentChain stably re-orders messages so every message follows
// its parent. It is a topological sort over the parentUuid chain using
// integer indices into the input slice, with ties broken by file order.
// Messages whose parent never appears (a race with a writer mid-branch)
// are held at the end, still in file order. The same input always yields
// the same output.
func orderByParentChain(msgs []Message) []Message {
	if len(msgs) < 2 {
		return msgs
	}

	byUUID := make(map[string]int, len(msgs))
	for i, m := range msgs {
		if _, dup := byUUID[m.UUID]; !dup {
			byUUID[m.UUID] = i
		}
	}

	children := make(map[int][]int, len(msgs))
	ready := &indexHeap{}
	for i, m := range msgs {
		if m.ParentUUID == "" {
			heap.Push(ready, i)
			continue
		}
		parent, ok := byUUID[m.ParentUUID]
		if !ok || parent == i {
			// Parent not (yet) in the file; held for the tail pass below.
			continue
		}
		children[parent] = append(children[parent], i)
	}

	out := make([]Message, 0, len(msgs))
	visited := make([]bool, len(msgs))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		if visited[i] {
			continue
		}
		visited[i] = true
		out = append(out, msgs[i])
		for _, child := range children[i] {
			heap.Push(ready, child)
		}
	}

	// Anything unvisited is an orphan or sits behind one; keep file order.
	for i := range msgs {
		if !visited[i] {
			out = append(out, msgs[i])
		}
	}
	return out
}
