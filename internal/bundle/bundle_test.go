package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/open-edge-platform/shrinkwrap/internal/catalog"
	"github.com/open-edge-platform/shrinkwrap/internal/fetchcache"
	"github.com/open-edge-platform/shrinkwrap/internal/store"
)

const baseYAML = `description: test bundle
applications:
  kubernetes-control-plane:
    charm: kubernetes-control-plane
    channel: 1.28/stable
    options:
      channel: 1.28/stable
  etcd:
    charm: etcd
    channel: 3.4/stable
    resources:
      snapshot: 0
  easyrsa:
    charm: cs:easyrsa
relations:
- [etcd, easyrsa]
`

const calicoYAML = `applications:
  etcd:
    charm: etcd-from-overlay
    channel: edge
  calico:
    charm: calico
    trust: true
`

const awsYAML = `applications:
  calico:
    charm: calico-from-aws
  aws-integrator:
    charm: aws-integrator
  kubernetes-worker:
`

func mustParse(t *testing.T, name, data string) *Descriptor {
	t.Helper()
	d, err := ParseDescriptor(name, []byte(data))
	if err != nil {
		t.Fatalf("ParseDescriptor(%s): %v", name, err)
	}
	return d
}

func TestParseDescriptor(t *testing.T) {
	d := mustParse(t, BaseName, baseYAML)
	if d.Key != KeyApplications {
		t.Errorf("Key = %q", d.Key)
	}
	want := []string{"kubernetes-control-plane", "etcd", "easyrsa"}
	if !reflect.DeepEqual(d.Order, want) {
		t.Errorf("Order = %v, want %v", d.Order, want)
	}
	etcd := d.Components["etcd"]
	if etcd.Charm != "etcd" || etcd.Channel != "3.4/stable" {
		t.Errorf("etcd = %+v", etcd)
	}
	if etcd.Resources["snapshot"] != 0 {
		t.Errorf("resources = %v", etcd.Resources)
	}
	if d.Components["kubernetes-control-plane"].Options["channel"] != "1.28/stable" {
		t.Errorf("options not parsed")
	}
	if d.Trusted() {
		t.Error("base is not trusted")
	}
	if _, ok := d.Raw["relations"]; !ok {
		t.Error("raw document lost relations")
	}
}

func TestParseDescriptorServicesAndNulls(t *testing.T) {
	d := mustParse(t, "legacy.yaml", "services:\n  easyrsa:\n    charm: cs:easyrsa\n")
	if d.Key != KeyServices || d.Components["easyrsa"].Charm != "cs:easyrsa" {
		t.Errorf("unexpected descriptor %+v", d)
	}

	o := mustParse(t, "aws-overlay.yaml", awsYAML)
	if c, ok := o.Components["kubernetes-worker"]; !ok || c != nil {
		t.Errorf("null component should be kept as nil, got %v %v", c, ok)
	}
	if !mustParse(t, "calico-overlay.yaml", calicoYAML).Trusted() {
		t.Error("calico overlay is trusted")
	}
}

func TestParseDescriptorErrors(t *testing.T) {
	tests := []struct {
		name, data, want string
	}{
		{"no components", "series: focal\n", "has no applications or services"},
		{"scalar document", "hello\n", "not a mapping"},
		{"invalid yaml", "applications: [", "parsing descriptor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptor("x.yaml", []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFlattenBaseWins(t *testing.T) {
	base := mustParse(t, BaseName, baseYAML)
	calico := mustParse(t, "calico-overlay.yaml", calicoYAML)
	aws := mustParse(t, "aws-overlay.yaml", awsYAML)

	order, comps := Flatten(Descriptors{base, calico, aws})

	want := []string{"kubernetes-control-plane", "etcd", "easyrsa", "calico", "aws-integrator", "kubernetes-worker"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if comps["etcd"] != base.Components["etcd"] || comps["etcd"].Charm != "etcd" {
		t.Errorf("overlay replaced the base etcd: %+v", comps["etcd"])
	}
	if comps["calico"].Charm != "calico" {
		t.Errorf("first overlay definition should win for calico, got %q", comps["calico"].Charm)
	}
	if comps["aws-integrator"] == nil {
		t.Error("overlay should add aws-integrator")
	}
	if c, ok := comps["kubernetes-worker"]; !ok || c != nil {
		t.Error("removal-only component should be present and nil")
	}
}

func TestFlattenOverlayFillsNullBaseEntry(t *testing.T) {
	base := mustParse(t, BaseName, "applications:\n  etcd:\n")
	overlay := mustParse(t, "o.yaml", "applications:\n  etcd:\n    charm: etcd\n")
	_, comps := Flatten(Descriptors{base, overlay})
	if comps["etcd"] == nil || comps["etcd"].Charm != "etcd" {
		t.Errorf("expected overlay definition, got %+v", comps["etcd"])
	}
}

type fakeCatalog struct {
	entries []catalog.Entry
	content map[string]string
	lists   int
	fetches []string
}

func (f *fakeCatalog) List(ctx context.Context, url string) ([]catalog.Entry, error) {
	f.lists++
	return f.entries, nil
}

func (f *fakeCatalog) Fetch(ctx context.Context, url, dest string) error {
	f.fetches = append(f.fetches, url)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(f.content[url]), 0o644)
}

type fakeArchives struct {
	calls   []store.Identity
	channel string
	content string
}

func (f *fakeArchives) DownloadArchive(ctx context.Context, id store.Identity, channel, dest string) error {
	f.calls = append(f.calls, id)
	f.channel = channel
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, BaseName), []byte(f.content), 0o644)
}

func newResolver(t *testing.T) (*Resolver, *fakeCatalog, *fakeArchives) {
	t.Helper()
	root := t.TempDir()
	cat := &fakeCatalog{
		entries: []catalog.Entry{
			{Name: "calico-overlay.yaml", DownloadURL: "https://raw/calico-overlay.yaml"},
			{Name: "aws-overlay.yaml", DownloadURL: "https://raw/aws-overlay.yaml"},
		},
		content: map[string]string{
			"https://raw/calico-overlay.yaml": calicoYAML,
			"https://raw/aws-overlay.yaml":    awsYAML,
		},
	}
	arch := &fakeArchives{content: baseYAML}
	return &Resolver{
		Root:              root,
		Cache:             fetchcache.New(fetchcache.Options{Root: root, Mode: fetchcache.Eager}),
		Catalog:           cat,
		Archives:          arch,
		OverlayCatalogURL: "https://api/overlays",
	}, cat, arch
}

func TestResolve(t *testing.T) {
	r, cat, arch := newResolver(t)

	descs, err := r.Resolve(context.Background(), "ch:charmed-kubernetes", "1.28/stable",
		[]string{"calico-overlay.yaml", "aws-overlay.yaml"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got := descs.Names(); !reflect.DeepEqual(got, []string{BaseName, "calico-overlay.yaml", "aws-overlay.yaml"}) {
		t.Errorf("Names = %v", got)
	}
	if len(arch.calls) != 1 || arch.calls[0] != (store.Identity{Origin: store.Charmhub, Name: "charmed-kubernetes"}) {
		t.Errorf("archive calls = %v", arch.calls)
	}
	if arch.channel != "1.28/stable" {
		t.Errorf("channel = %q", arch.channel)
	}
	if len(cat.fetches) != 2 {
		t.Errorf("overlay fetches = %v", cat.fetches)
	}
	if _, err := os.Stat(filepath.Join(r.Root, "charms", ".bundle", "calico-overlay.yaml")); err != nil {
		t.Errorf("overlay not cached: %v", err)
	}
	if descs.Base() == nil || descs.Get("aws-overlay.yaml") == nil {
		t.Error("lookup helpers failed")
	}

	// a second resolver over the same root finds everything on disk
	again := &Resolver{
		Root:              r.Root,
		Cache:             fetchcache.New(fetchcache.Options{Root: r.Root, Mode: fetchcache.Eager}),
		Catalog:           cat,
		Archives:          arch,
		OverlayCatalogURL: r.OverlayCatalogURL,
	}
	if _, err := again.Resolve(context.Background(), "ch:charmed-kubernetes", "1.28/stable", []string{"calico-overlay.yaml"}); err != nil {
		t.Fatal(err)
	}
	if len(arch.calls) != 1 || len(cat.fetches) != 2 {
		t.Errorf("already-downloaded descriptors were fetched again: %d archive, %d overlay", len(arch.calls), len(cat.fetches))
	}
}

func TestResolveInvalidOverlayFailsBeforeAnyFetch(t *testing.T) {
	r, cat, arch := newResolver(t)

	_, err := r.Resolve(context.Background(), "charmed-kubernetes", "", []string{"calico-overlay.yaml", "nope-overlay.yaml"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Overlay != "nope-overlay.yaml" {
		t.Errorf("Overlay = %q", verr.Overlay)
	}
	msg := err.Error()
	for _, s := range []string{"nope-overlay.yaml", "calico-overlay.yaml", "aws-overlay.yaml"} {
		if !strings.Contains(msg, s) {
			t.Errorf("error %q should mention %s", msg, s)
		}
	}
	if len(arch.calls) != 0 || len(cat.fetches) != 0 {
		t.Errorf("no descriptor may be fetched: %d archive, %d overlay", len(arch.calls), len(cat.fetches))
	}
}

func TestResolveWithoutOverlaysSkipsCatalog(t *testing.T) {
	r, cat, _ := newResolver(t)
	if _, err := r.Resolve(context.Background(), "charmed-kubernetes", "", nil); err != nil {
		t.Fatal(err)
	}
	if cat.lists != 0 {
		t.Errorf("catalog listed %d times without overlays", cat.lists)
	}
}

func TestValidateOverlaysRejectsPaths(t *testing.T) {
	r, cat, _ := newResolver(t)
	cat.entries = append(cat.entries, catalog.Entry{Name: "../escape.yaml", DownloadURL: "x"})
	if _, err := r.ValidateOverlays(context.Background(), []string{"../escape.yaml"}); err == nil {
		t.Fatal("expected path-like overlay name to be rejected")
	}
}

func TestComponentDir(t *testing.T) {
	if got := ComponentDir("/out", "etcd", "3.4/stable"); got != "/out/charms/etcd/3.4/stable" {
		t.Errorf("ComponentDir = %s", got)
	}
	if got := ComponentDir("/out", "etcd", ""); got != "/out/charms/etcd" {
		t.Errorf("ComponentDir = %s", got)
	}
}
