package rtnl

import (
	"context"
	"errors"
	"sync"
)

// errDumpFailed is the default error served while DumpFailures is
// positive and no explicit DumpErr is scripted.
var errDumpFailed = errors.New("scripted dump failure")

// FakeSource is an in-memory Source used by unit tests for the FIB
// observer and peer-sync dispatcher. It replays a scripted dump result
// and lets the test push Subscribe events by hand, mirroring the
// stub/fake pattern the daemon uses elsewhere for out-of-scope or
// hard-to-exercise transports.
type FakeSource struct {
	mu sync.Mutex

	DumpResult map[Family][]RawRoute
	DumpErr    map[Family]error
	// DumpFailures makes the next N Dump calls for a family fail with
	// DumpErr before DumpResult is served, for exercising the observer's
	// retry-once behavior.
	DumpFailures map[Family]int

	events map[Family]chan Event
	errs   map[Family]chan error

	Added   []RawRoute
	Deleted []RawRoute
	AddErr  error
	DelErr  error
}

// NewFakeSource creates an empty FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		DumpResult:   make(map[Family][]RawRoute),
		DumpErr:      make(map[Family]error),
		DumpFailures: make(map[Family]int),
		events:       make(map[Family]chan Event),
		errs:         make(map[Family]chan error),
	}
}

// Dump implements Source.
func (f *FakeSource) Dump(_ context.Context, family Family) ([]RawRoute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DumpFailures[family] > 0 {
		f.DumpFailures[family]--
		if err := f.DumpErr[family]; err != nil {
			return nil, err
		}
		return nil, errDumpFailed
	}
	if err := f.DumpErr[family]; err != nil {
		return nil, err
	}
	return f.DumpResult[family], nil
}

// Subscribe implements Source. The returned channel is buffered so tests
// can call Push before a consumer goroutine starts reading.
func (f *FakeSource) Subscribe(ctx context.Context, family Family) (<-chan Event, <-chan error, error) {
	f.mu.Lock()
	ch := make(chan Event, 16)
	errc := make(chan error, 1)
	f.events[family] = ch
	f.errs[family] = errc
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		close(ch)
		f.mu.Unlock()
	}()

	return ch, errc, nil
}

// Push delivers an event to a family's active subscription, if any.
func (f *FakeSource) Push(family Family, ev Event) {
	f.mu.Lock()
	ch := f.events[family]
	f.mu.Unlock()
	if ch != nil {
		ch <- ev
	}
}

// Add implements Source.
func (f *FakeSource) Add(_ context.Context, r RawRoute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddErr != nil {
		return f.AddErr
	}
	f.Added = append(f.Added, r)
	return nil
}

// Del implements Source.
func (f *FakeSource) Del(_ context.Context, r RawRoute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DelErr != nil {
		return f.DelErr
	}
	f.Deleted = append(f.Deleted, r)
	return nil
}
