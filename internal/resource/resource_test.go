package resource

import (
	"path/filepath"
	"testing"

	"github.com/open-edge-platform/shrinkwrap/internal/fetchcache"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		dep  Dependency
		want Kind
	}{
		{Dependency{Name: "core", Type: "file", Path: "core.snap"}, Package},
		{Dependency{Name: "etcd", Type: "file", Path: "etcd.snap"}, Package},
		{Dependency{Name: "snapshot", Type: "file", Path: "snapshot.tar.gz"}, Opaque},
		{Dependency{Name: "image", Type: "oci-image", Path: "image.snap.txt"}, Opaque},
		{Dependency{Name: "cni", Type: "snap", Path: "cni.tgz"}, Opaque},
	}
	for _, tt := range tests {
		if got := Classify(tt.dep); got != tt.want {
			t.Errorf("Classify(%s) = %v, want %v", tt.dep.Path, got, tt.want)
		}
	}
}

func TestPackageChannelPinsBasePlatform(t *testing.T) {
	core := Dependency{Name: "core", Path: "core.snap"}
	etcd := Dependency{Name: "etcd", Path: "etcd.snap"}
	if got := PackageChannel(core, "3.4/edge"); got != "stable" {
		t.Errorf("core channel = %q, want stable", got)
	}
	if got := PackageChannel(etcd, "3.4/edge"); got != "3.4/edge" {
		t.Errorf("etcd channel = %q, want 3.4/edge", got)
	}
}

func TestPackageName(t *testing.T) {
	if got := PackageName(Dependency{Path: "kube-apiserver.snap"}); got != "kube-apiserver" {
		t.Errorf("PackageName = %q", got)
	}
	if got := PackageName(Dependency{Path: "dir/cdk-addons.snap"}); got != "cdk-addons" {
		t.Errorf("PackageName = %q", got)
	}
}

func TestWithRevision(t *testing.T) {
	dep := Dependency{Name: "snapshot", Revision: "0", URLFormat: "https://store/resource/snapshot/{revision}"}
	tests := []struct {
		name      string
		overrides map[string]interface{}
		want      string
	}{
		{"no overrides", nil, "0"},
		{"other dependency", map[string]interface{}{"core": 4}, "0"},
		{"pinned int", map[string]interface{}{"snapshot": 7}, "7"},
		{"pinned string", map[string]interface{}{"snapshot": "12"}, "12"},
		{"zero pin ignored", map[string]interface{}{"snapshot": 0}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WithRevision(dep, tt.overrides)
			if got.Revision != tt.want {
				t.Errorf("revision = %q, want %q", got.Revision, tt.want)
			}
			if got.URL() != "https://store/resource/snapshot/"+tt.want {
				t.Errorf("URL = %q", got.URL())
			}
		})
	}
}

func TestPlan(t *testing.T) {
	root := "/out"

	core := Plan(root, "etcd", Dependency{Name: "core", Path: "core.snap"}, "3.4/stable", "amd64")
	if core.Kind != Package || core.Channel != "stable" {
		t.Errorf("core route %+v", core)
	}
	if core.Key != fetchcache.PackageKey("core", "stable", "amd64") {
		t.Errorf("core key %v", core.Key)
	}
	if core.Target != filepath.Join(root, "snaps", "core", "stable", "amd64") {
		t.Errorf("core target %s", core.Target)
	}
	if core.Placeholder != filepath.Join(root, "resources", "etcd", "core", "core.snap") {
		t.Errorf("core placeholder %s", core.Placeholder)
	}

	etcd := Plan(root, "etcd", Dependency{Name: "etcd", Path: "etcd.snap"}, "3.4/stable", "")
	if etcd.Key != fetchcache.PackageKey("etcd", "3.4/stable", "") {
		t.Errorf("etcd key %v", etcd.Key)
	}

	snapshot := Plan(root, "etcd", Dependency{Name: "snapshot", Path: "snapshot.tar.gz"}, "3.4/stable", "")
	if snapshot.Kind != Opaque || snapshot.Key != fetchcache.ResourceKey("etcd", "snapshot") {
		t.Errorf("snapshot route %+v", snapshot)
	}
	if snapshot.Target != filepath.Join(root, "resources", "etcd", "snapshot", "snapshot.tar.gz") {
		t.Errorf("snapshot target %s", snapshot.Target)
	}
}

func TestTargetStaysInsideRoot(t *testing.T) {
	got := Target("/out", "etcd", Dependency{Name: "../../x", Path: "../../../etc/passwd"})
	if got != filepath.Join("/out", "resources", "etcd", "x", "passwd") {
		t.Errorf("Target = %s", got)
	}
}
