package messaging

import (
	"slices"
	"sort"
)

// Pager holds the paginated window of one open conversation.
//
// Page 1 replaces the held messages, later pages are prepended (older history loads upward). The held slice
// is always ascending by (created_at, seq). Every Reset bumps a generation; results carrying an older
// generation are discarded so a reload never races a stale load-more.
//
// Pager is not safe for concurrent use; the session guards it.
type Pager struct {
	pageSize int

	gen     uint64
	page    int
	total   int
	loading bool
	msgs    []Message
}

// NewPager returns an empty pager. pageSize <= 0 selects DefaultPageSize.
func NewPager(pageSize int) *Pager {
	return &Pager{pageSize: clampPageSize(pageSize)}
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// Reset starts a page-1 load and returns its generation.
func (p *Pager) Reset() uint64 {
	p.gen++
	p.loading = true
	return p.gen
}

// Clear drops all held state (conversation deselected).
func (p *Pager) Clear() {
	p.gen++
	p.page = 0
	p.total = 0
	p.loading = false
	p.msgs = nil
}

// BeginMore starts loading the next older page. ok is false, with no state change, when a fetch is already
// in flight or nothing more is available.
func (p *Pager) BeginMore() (page int, gen uint64, ok bool) {
	if p.loading || !p.HasMore() {
		return 0, 0, false
	}
	p.loading = true
	return p.page + 1, p.gen, true
}

// Apply merges a fetched page. It reports false when the result is stale.
func (p *Pager) Apply(gen uint64, page int, res Page, reset bool) bool {
	if gen != p.gen {
		return false
	}
	p.loading = false
	p.total = res.TotalCount

	if reset {
		p.page = 1
		p.msgs = slices.Clone(res.Messages)
		return true
	}

	held := make(map[string]struct{}, len(p.msgs))
	for _, m := range p.msgs {
		held[m.ID] = struct{}{}
	}
	older := make([]Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		if _, dup := held[m.ID]; !dup {
			older = append(older, m)
		}
	}
	merged := append(older, p.msgs...)
	sort.SliceStable(merged, func(i, j int) bool { return messageLess(merged[i], merged[j]) })

	p.msgs = merged
	p.page = page
	return true
}

// Fail ends an in-flight fetch without changing the held messages.
func (p *Pager) Fail(gen uint64) {
	if gen == p.gen {
		p.loading = false
	}
}

// Messages returns a copy of the held window.
func (p *Pager) Messages() []Message { return slices.Clone(p.msgs) }

// HasMore reports whether the server holds more messages than the pager.
func (p *Pager) HasMore() bool { return p.total > len(p.msgs) }

// Loading reports whether a fetch is in flight.
func (p *Pager) Loading() bool { return p.loading }

// Page returns the highest page applied.
func (p *Pager) Page() int { return p.page }

// Total returns the last server-side total.
func (p *Pager) Total() int { return p.total }

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}
