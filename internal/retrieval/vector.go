package retrieval

import (
	"container/heap"
	"math"
	"sort"
)

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return cosineWithNorm(a, b, norm(a))
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosineWithNorm takes the precomputed norm of a.
func cosineWithNorm(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bNormSq))
}

// Scored is one candidate index with its similarity.
type Scored struct {
	Index int
	Score float64
}

// TopK returns the k candidates most similar to query whose score is at
// least threshold, best first. Ties keep candidate order.
func TopK(query []float32, candidates [][]float32, k int, threshold float64) []Scored {
	if k <= 0 {
		return nil
	}
	qn := norm(query)
	if qn == 0 {
		return nil
	}

	h := &scoredHeap{}
	for i, c := range candidates {
		score := cosineWithNorm(query, c, qn)
		if score < threshold {
			continue
		}
		if h.Len() < k {
			heap.Push(h, Scored{Index: i, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Scored{Index: i, Score: score}
			heap.Fix(h, 0)
		}
	}

	out := []Scored(*h)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// scoredHeap is a min-heap on Score.
type scoredHeap []Scored

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(Scored)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
