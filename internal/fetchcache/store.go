package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/file"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Mode selects what FetchOrGet does with a new key.
type Mode int

const (
	// Deferred records the request; Materialize runs it later.
	Deferred Mode = iota
	// Eager fetches the key the first time it is requested.
	Eager
)

func (m Mode) String() string {
	if m == Eager {
		return "eager"
	}
	return "deferred"
}

// FetchFunc populates target. It is called at most once per successful key.
type FetchFunc func(ctx context.Context, target string) error

// Request asks the store for the artifact identified by Key.
type Request struct {
	Key    Key
	Target string
	Fetch  FetchFunc
	// Done reports whether target already holds the artifact. Defaults to
	// an existence check of target.
	Done func(target string) bool
}

type state int

const (
	statePending state = iota
	stateComplete
	stateFailed
)

type entry struct {
	key    Key
	target string
	fetch  FetchFunc
	done   func(string) bool
	state  state
	err    error
}

// Options configures a Store.
type Options struct {
	// Root anchors the persisted index and the relative paths inside it.
	Root     string
	Mode     Mode
	Workers  int
	Attempts int
	Delay    time.Duration
	// Reuse primes the store from the index left by an earlier run.
	Reuse bool
	// Progress receives the materialize progress bar; nil hides it.
	Progress io.Writer
}

// Stats counts what the store did during a run.
type Stats struct {
	Requests int
	Hits     int
	Fetches  int
	Shared   int
	Retries  int
	Primed   int
}

// Store is the run-scoped deduplicating fetch cache. Every key maps to one
// location, and every location is populated by at most one fetch.
type Store struct {
	opts Options

	mu      sync.Mutex
	entries map[Key]*entry
	order   []Key
	stats   Stats

	group   singleflight.Group
	indexMu sync.Mutex
}

func New(opts Options) *Store {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &Store{
		opts:    opts,
		entries: make(map[Key]*entry),
	}
}

func (s *Store) Mode() Mode { return s.opts.Mode }

// Open creates the store and, in reuse mode, primes it from the index.
func Open(opts Options) (*Store, error) {
	s := New(opts)
	if opts.Reuse {
		if err := s.Prime(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) register(req Request) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Requests++
	if e, ok := s.entries[req.Key]; ok {
		s.stats.Hits++
		return e, true
	}

	done := req.Done
	if done == nil {
		done = func(target string) bool {
			ok, _ := file.Exists(target)
			return ok
		}
	}
	e := &entry{
		key:    req.Key,
		target: req.Target,
		fetch:  req.Fetch,
		done:   done,
	}
	s.entries[req.Key] = e
	s.order = append(s.order, req.Key)
	return e, false
}

// Fetch returns the location of req.Key, fetching it now if no earlier
// request completed it.
func (s *Store) Fetch(ctx context.Context, req Request) (string, error) {
	e, _ := s.register(req)
	if err := s.run(ctx, e); err != nil {
		return "", err
	}
	return e.target, nil
}

// Defer records req and returns its location without fetching. The fetch
// happens in the next Materialize covering the key's class.
func (s *Store) Defer(req Request) string {
	e, existed := s.register(req)
	if existed {
		logger.Logger().Debugf("%s already requested, sharing %s", req.Key, e.target)
	}
	return e.target
}

// FetchOrGet dispatches on the store mode.
func (s *Store) FetchOrGet(ctx context.Context, req Request) (string, error) {
	if s.opts.Mode == Eager {
		return s.Fetch(ctx, req)
	}
	return s.Defer(req), nil
}

// Location returns the memoized location of key.
func (s *Store) Location(key Key) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	return e.target, true
}

// Complete reports whether key has been fetched or found on disk.
func (s *Store) Complete(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.state == stateComplete
}

// Pending lists the keys of the given classes that still need a fetch, in
// request order. No classes means every class.
func (s *Store) Pending(classes ...Class) []Key {
	var keys []Key
	for _, e := range s.pending(classes) {
		keys = append(keys, e.key)
	}
	return keys
}

func (s *Store) pending(classes []Class) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Class]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	var out []*entry
	for _, k := range s.order {
		e := s.entries[k]
		if e.state == stateComplete {
			continue
		}
		if len(want) > 0 && !want[k.Class] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) run(ctx context.Context, e *entry) error {
	s.mu.Lock()
	if e.state == stateComplete {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err, shared := s.group.Do(e.key.String(), func() (interface{}, error) {
		s.mu.Lock()
		if e.state == stateComplete {
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()

		if e.done(e.target) {
			logger.Logger().Infof("%s already present at %s", e.key, e.target)
			s.finish(e, nil)
			return nil, nil
		}
		err := s.attempt(ctx, e)
		s.finish(e, err)
		return nil, err
	})
	if shared {
		s.mu.Lock()
		s.stats.Shared++
		s.mu.Unlock()
	}
	return err
}

func (s *Store) finish(e *entry, err error) {
	s.mu.Lock()
	if err != nil {
		e.state = stateFailed
		e.err = err
		s.mu.Unlock()
		return
	}
	e.state = stateComplete
	e.err = nil
	s.mu.Unlock()

	if err := s.SaveIndex(); err != nil {
		logger.Logger().Warnf("failed to save fetch index: %v", err)
	}
}

func (s *Store) attempt(ctx context.Context, e *entry) error {
	log := logger.Logger()

	if e.fetch == nil {
		return &FatalFetchError{Key: e.key, Attempts: 0, Err: errors.New("no fetch function")}
	}

	if e.key.Class != ClassPackage {
		s.countFetch()
		if err := e.fetch(ctx, e.target); err != nil {
			log.Errorf("fetching %s failed: %v", e.key, err)
			return &FatalFetchError{Key: e.key, Attempts: 1, Err: err}
		}
		return nil
	}

	attempts := 0
	var last error
	op := func() error {
		attempts++
		s.countFetch()
		err := e.fetch(ctx, e.target)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		terr := &TransientFetchError{Key: e.key, Attempt: attempts, Err: err}
		log.Warnf("%v", terr)
		return terr
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.Delay), uint64(s.opts.Attempts-1))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if last == nil {
			last = err
		}
		s.mu.Lock()
		s.stats.Retries += attempts - 1
		s.mu.Unlock()
		log.Errorf("fetching %s failed after %d attempts: %v", e.key, attempts, last)
		return &FatalFetchError{Key: e.key, Attempts: attempts, Err: last}
	}

	s.mu.Lock()
	s.stats.Retries += attempts - 1
	s.mu.Unlock()
	return nil
}

func (s *Store) countFetch() {
	s.mu.Lock()
	s.stats.Fetches++
	s.mu.Unlock()
}

// Materialize runs every pending request of the given classes (all classes
// when none are given) on a bounded pool. A package that fails all its
// attempts does not stop other keys; its error is returned once the pass
// ends. Any other failure cancels the pass and is returned.
func (s *Store) Materialize(ctx context.Context, classes ...Class) error {
	log := logger.Logger()

	pending := s.pending(classes)
	if len(pending) == 0 {
		return nil
	}
	log.Infof("materializing %d artifacts with %d workers", len(pending), s.opts.Workers)

	bar := s.newBar(len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	var (
		mu          sync.Mutex
		packageErrs []error
	)
	for _, e := range pending {
		g.Go(func() error {
			defer func() {
				if err := bar.Add(1); err != nil {
					log.Debugf("failed to add to progress bar: %v", err)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			bar.Describe(e.key.Name)

			err := s.run(gctx, e)
			if err == nil {
				return nil
			}
			if e.key.Class == ClassPackage && gctx.Err() == nil {
				mu.Lock()
				packageErrs = append(packageErrs, err)
				mu.Unlock()
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := bar.Finish(); err != nil {
		log.Debugf("failed to finish progress bar: %v", err)
	}
	if len(packageErrs) > 0 {
		sort.Slice(packageErrs, func(i, j int) bool { return packageErrs[i].Error() < packageErrs[j].Error() })
		return fmt.Errorf("%d package fetches failed: %w", len(packageErrs), errors.Join(packageErrs...))
	}
	return nil
}

func (s *Store) newBar(total int) *progressbar.ProgressBar {
	w := s.opts.Progress
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionSpinnerType(10),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
