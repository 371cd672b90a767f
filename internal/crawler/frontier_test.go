package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		url   string
		lines []string
		want  int
	}{
		{"https://acme.example.com/product/pumps", nil, 10},
		{"https://acme.example.com/product_category/valves", nil, 10},
		{"https://acme.example.com/series-x100/overview", []string{"Series-X100"}, 10},
		{"https://acme.example.com/catalog", nil, 5},
		{"https://acme.example.com/downloads/spec-sheets", nil, 5},
		{"https://acme.example.com/datasheets/2024", nil, 5},
		{"https://acme.example.com/submittals", nil, 5},
		{"https://acme.example.com/about", nil, 0},
		{"https://acme.example.com/blog/announcement", nil, -5},
		{"https://acme.example.com/careers", nil, -5},
		{"https://acme.example.com/login", nil, -5},
		{"https://acme.example.com/cart", nil, -5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, scoreURL(tc.url, tc.lines), tc.url)
	}
}

func TestFrontierOrdering(t *testing.T) {
	t.Parallel()
	f := newFrontier()
	f.Push("low", 1, 0)
	f.Push("first-high", 1, 10)
	f.Push("mid", 1, 5)
	f.Push("second-high", 1, 10)
	f.Push("negative", 1, -5)

	var got []string
	for {
		item, ok := f.Pop()
		if !ok {
			break
		}
		got = append(got, item.url)
	}
	// Score descending, FIFO within equal scores.
	assert.Equal(t, []string{"first-high", "second-high", "mid", "low", "negative"}, got)
}
