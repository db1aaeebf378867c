package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func writeTarget(content string) FetchFunc {
	return func(ctx context.Context, target string) error {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, []byte(content), 0o644)
	}
}

func countingFetch(n *int32, fn FetchFunc) FetchFunc {
	return func(ctx context.Context, target string) error {
		atomic.AddInt32(n, 1)
		return fn(ctx, target)
	}
}

func TestFetchIsMemoized(t *testing.T) {
	root := t.TempDir()
	s := New(Options{Root: root, Mode: Eager})

	var calls int32
	first := Request{
		Key:    PackageKey("etcd", "3.4/stable", "amd64"),
		Target: filepath.Join(root, "snaps", "etcd", "3.4", "stable", "amd64", "etcd.tar.gz"),
		Fetch:  countingFetch(&calls, writeTarget("etcd")),
	}
	second := first
	second.Target = filepath.Join(root, "elsewhere")

	loc1, err := s.FetchOrGet(context.Background(), first)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	loc2, err := s.FetchOrGet(context.Background(), second)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if calls != 1 {
		t.Errorf("fetch ran %d times, want 1", calls)
	}
	if loc1 != loc2 || loc1 != first.Target {
		t.Errorf("locations differ: %q vs %q", loc1, loc2)
	}
	if st := s.Stats(); st.Requests != 2 || st.Hits != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestDeferredMaterializeFetchesEachKeyOnce(t *testing.T) {
	root := t.TempDir()
	s := New(Options{Root: root, Mode: Deferred, Workers: 4})

	var calls int32
	for _, owner := range []string{"kubernetes-control-plane", "kubernetes-worker", "etcd"} {
		// every component needs the same core snap
		loc, err := s.FetchOrGet(context.Background(), Request{
			Key:    PackageKey("core", "stable", ""),
			Target: filepath.Join(root, "snaps", "core", "stable", "core.tar.gz"),
			Fetch:  countingFetch(&calls, writeTarget(owner)),
		})
		if err != nil {
			t.Fatal(err)
		}
		if loc != filepath.Join(root, "snaps", "core", "stable", "core.tar.gz") {
			t.Errorf("unexpected location %s", loc)
		}
	}
	if calls != 0 {
		t.Fatalf("deferred mode fetched before Materialize")
	}
	if got := len(s.Pending()); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	if err := s.Materialize(context.Background()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch ran %d times, want 1", calls)
	}
	data, _ := os.ReadFile(filepath.Join(root, "snaps", "core", "stable", "core.tar.gz"))
	if string(data) != "kubernetes-control-plane" {
		t.Errorf("first writer should win, got %q", data)
	}

	if err := s.Materialize(context.Background()); err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if calls != 1 {
		t.Errorf("second Materialize refetched")
	}
}

func TestMaterializeByClass(t *testing.T) {
	root := t.TempDir()
	s := New(Options{Root: root, Workers: 2})

	s.Defer(Request{Key: PackageKey("lxd", "stable", ""), Target: filepath.Join(root, "a"), Fetch: writeTarget("a")})
	s.Defer(Request{Key: ResourceKey("etcd", "snapshot"), Target: filepath.Join(root, "b"), Fetch: writeTarget("b")})

	if err := s.Materialize(context.Background(), ClassResource); err != nil {
		t.Fatal(err)
	}
	if s.Complete(PackageKey("lxd", "stable", "")) {
		t.Error("package class should still be pending")
	}
	if !s.Complete(ResourceKey("etcd", "snapshot")) {
		t.Error("resource should be complete")
	}
	pending := s.Pending()
	if len(pending) != 1 || pending[0].Class != ClassPackage {
		t.Errorf("unexpected pending %v", pending)
	}
}

func TestPackageRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		wantCalls int32
		wantErr   bool
	}{
		{name: "succeeds first time", failures: 0, wantCalls: 1},
		{name: "succeeds on third attempt", failures: 2, wantCalls: 3},
		{name: "gives up after three attempts", failures: 10, wantCalls: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			s := New(Options{Root: root, Workers: 2, Attempts: 3})

			var calls int32
			s.Defer(Request{
				Key:    PackageKey("etcd", "3.4/stable", ""),
				Target: filepath.Join(root, "etcd"),
				Fetch: func(ctx context.Context, target string) error {
					if atomic.AddInt32(&calls, 1) <= tt.failures {
						return errors.New("snap-store-proxy exited 1")
					}
					return writeTarget("ok")(ctx, target)
				},
			})

			err := s.Materialize(context.Background())
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var fatal *FatalFetchError
				if !errors.As(err, &fatal) {
					t.Fatalf("expected FatalFetchError, got %T", err)
				}
				if fatal.Attempts != 3 {
					t.Errorf("attempts = %d", fatal.Attempts)
				}
				if !strings.Contains(err.Error(), "etcd@3.4/stable") {
					t.Errorf("error should name the package and channel: %v", err)
				}
			}
		})
	}
}

func TestFailingPackageDoesNotStopOtherKeys(t *testing.T) {
	root := t.TempDir()
	s := New(Options{Root: root, Workers: 1, Attempts: 2})

	s.Defer(Request{
		Key:    PackageKey("broken", "stable", ""),
		Target: filepath.Join(root, "broken"),
		Fetch:  func(context.Context, string) error { return errors.New("boom") },
	})
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("snap%d", i)
		s.Defer(Request{Key: PackageKey(name, "stable", ""), Target: filepath.Join(root, name), Fetch: writeTarget(name)})
	}

	err := s.Materialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected error naming the broken package, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if !s.Complete(PackageKey(fmt.Sprintf("snap%d", i), "stable", "")) {
			t.Errorf("snap%d should have been fetched", i)
		}
	}
}

func TestNonPackageFailureIsFatalWithoutRetry(t *testing.T) {
	root := t.TempDir()
	s := New(Options{Root: root, Workers: 1, Attempts: 3})

	var calls int32
	s.Defer(Request{
		Key:    ResourceKey("etcd", "snapshot"),
		Target: filepath.Join(root, "snapshot.tar.gz"),
		Fetch: func(context.Context, string) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("404 Not Found")
		},
	})

	err := s.Materialize(context.Background())
	var fatal *FatalFetchError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalFetchError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-package fetch ran %d times, want 1", calls)
	}
	if !strings.Contains(err.Error(), "etcd/snapshot") {
		t.Errorf("error should name owner and resource: %v", err)
	}
}

func TestDoneProbeSkipsFetch(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "charms", "etcd")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	s := New(Options{Root: root, Mode: Eager})

	var calls int32
	_, err := s.Fetch(context.Background(), Request{
		Key:    ComponentKey("etcd", ""),
		Target: target,
		Fetch:  countingFetch(&calls, writeTarget("")),
		Done:   func(string) bool { return true },
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("fetch should be skipped when Done reports true")
	}
}

func TestConcurrentEagerRequestsCoalesce(t *testing.T) {
	root := t.TempDir()
	s := New(Options{Root: root, Mode: Eager})

	var calls int32
	release := make(chan struct{})
	req := Request{
		Key:    ImageKey("coredns/coredns:1.9.3"),
		Target: filepath.Join(root, "containers", "coredns", "coredns:1.9.3.tar.gz"),
		Fetch: func(ctx context.Context, target string) error {
			atomic.AddInt32(&calls, 1)
			<-release
			return writeTarget("img")(ctx, target)
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Fetch(context.Background(), req); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("fetch ran %d times, want 1", calls)
	}
}

func TestIndexPrimesReuse(t *testing.T) {
	root := t.TempDir()
	first := New(Options{Root: root, Mode: Eager})
	req := Request{
		Key:    ResourceKey("etcd", "snapshot"),
		Target: filepath.Join(root, "resources", "etcd", "snapshot", "snapshot.tar.gz"),
		Fetch:  writeTarget("snap"),
		Done:   func(string) bool { return false },
	}
	if _, err := first.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, IndexFile)); err != nil {
		t.Fatalf("index not written: %v", err)
	}

	second, err := Open(Options{Root: root, Mode: Eager, Reuse: true})
	if err != nil {
		t.Fatal(err)
	}
	if second.Stats().Primed != 1 {
		t.Fatalf("primed = %d, want 1", second.Stats().Primed)
	}

	var calls int32
	req.Fetch = countingFetch(&calls, writeTarget("again"))
	loc, err := second.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("reuse mode refetched a primed key")
	}
	if loc != req.Target {
		t.Errorf("loc = %s, want %s", loc, req.Target)
	}
}

func TestPrimeSkipsVanishedEntries(t *testing.T) {
	root := t.TempDir()
	first := New(Options{Root: root, Mode: Eager})
	target := filepath.Join(root, "gone")
	if _, err := first.Fetch(context.Background(), Request{Key: ImageKey("gone"), Target: target, Fetch: writeTarget("x"), Done: func(string) bool { return false }}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}

	second, err := Open(Options{Root: root, Reuse: true})
	if err != nil {
		t.Fatal(err)
	}
	if second.Stats().Primed != 0 {
		t.Errorf("vanished entry should not be primed")
	}
}

func TestIndexKeepsEveryConcurrentCompletion(t *testing.T) {
	root := t.TempDir()
	s := New(Options{Root: root, Workers: 8})

	const n = 40
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("res%02d", i)
		s.Defer(Request{
			Key:    ResourceKey("etcd", name),
			Target: filepath.Join(root, "resources", "etcd", name, name+".tar.gz"),
			Fetch:  writeTarget(name),
			Done:   func(string) bool { return false },
		})
	}
	if err := s.Materialize(context.Background()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	reused, err := Open(Options{Root: root, Reuse: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := reused.Stats().Primed; got != n {
		t.Errorf("index holds %d entries after concurrent saves, want %d", got, n)
	}
}

func TestKeyString(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{PackageKey("etcd", "3.4/stable", "amd64"), "package:etcd@3.4/stable[amd64]"},
		{ResourceKey("etcd", "snapshot"), "resource:etcd/snapshot"},
		{DescriptorKey("bundle.yaml"), "descriptor:bundle.yaml"},
		{ComponentKey("etcd", "latest/edge"), "component:etcd@latest/edge"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
