package crawler

import (
	"container/heap"
	"strings"
)

// frontierItem is one known-but-not-yet-visited URL.
type frontierItem struct {
	url   string
	depth int
	score int
	seq   int
}

// frontier is a priority queue keyed by URL score descending; ties break by
// insertion order.
type frontier struct {
	heap frontierHeap
	seq  int
}

func newFrontier() *frontier {
	return &frontier{}
}

func (f *frontier) Push(url string, depth, score int) {
	f.seq++
	heap.Push(&f.heap, frontierItem{url: url, depth: depth, score: score, seq: f.seq})
}

func (f *frontier) Pop() (frontierItem, bool) {
	if f.heap.Len() == 0 {
		return frontierItem{}, false
	}
	return heap.Pop(&f.heap).(frontierItem), true
}

func (f *frontier) Len() int { return f.heap.Len() }

type frontierHeap []frontierItem

func (h frontierHeap) Len() int { return len(h) }

func (h frontierHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h frontierHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frontierHeap) Push(x any) { *h = append(*h, x.(frontierItem)) }

func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var boostPaths = []string{"/product/", "/product_category/"}

var helpfulPaths = []string{"/catalog", "/spec", "/datasheet", "/submittal"}

// penaltyPaths covers site chrome that never links technical documents.
var penaltyPaths = []string{
	"/blog", "/news", "/careers", "/login",
	"/cart", "/checkout", "/account", "/register", "/signin",
	"/privacy", "/terms", "/cookie", "/sitemap", "/search", "/contact", "/press", "/jobs",
}

// scoreURL ranks a URL for the frontier. Higher scores are fetched sooner.
func scoreURL(rawURL string, productLines []string) int {
	lower := strings.ToLower(rawURL)
	for _, p := range penaltyPaths {
		if strings.Contains(lower, p) {
			return -5
		}
	}
	for _, p := range boostPaths {
		if strings.Contains(lower, p) {
			return 10
		}
	}
	for _, line := range productLines {
		if line != "" && strings.Contains(lower, strings.ToLower(line)) {
			return 10
		}
	}
	for _, p := range helpfulPaths {
		if strings.Contains(lower, p) {
			return 5
		}
	}
	return 0
}
