package resource

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/fetchcache"
	"github.com/open-edge-platform/shrinkwrap/internal/snap"
)

const (
	// PackageSuffix marks a dependency that is satisfied by a snap.
	PackageSuffix = ".snap"
	// BasePlatform is the snap every component shares; it always comes
	// from the baseline channel.
	BasePlatform = "core"
	// BaselineChannel is the channel BasePlatform is pinned to.
	BaselineChannel = "stable"
	// Dir holds the per-component resource files below the output root.
	Dir = "resources"
)

// Kind tells how a dependency is fetched.
type Kind int

const (
	Opaque Kind = iota
	Package
)

func (k Kind) String() string {
	if k == Package {
		return "package"
	}
	return "resource"
}

// Dependency is one resource a component declares.
type Dependency struct {
	Name     string
	Type     string
	Path     string
	Revision string
	// URLFormat holds a {revision} placeholder that URL fills in.
	URLFormat string
}

// URL returns the download location of the dependency at its revision.
func (d Dependency) URL() string {
	return strings.ReplaceAll(d.URLFormat, "{revision}", d.Revision)
}

// Classify looks only at the file suffix; the declared type is ignored.
func Classify(d Dependency) Kind {
	if strings.HasSuffix(d.Path, PackageSuffix) {
		return Package
	}
	return Opaque
}

// PackageName is the snap name, the file name without its suffix.
func PackageName(d Dependency) string {
	base := path.Base(filepath.ToSlash(d.Path))
	return strings.TrimSuffix(base, path.Ext(base))
}

// PackageChannel returns the channel to fetch a package dependency from.
func PackageChannel(d Dependency, resolved string) string {
	if d.Name == BasePlatform {
		return BaselineChannel
	}
	return resolved
}

// WithRevision applies the bundle's pinned revision for d, if any. Empty
// and zero pins keep the store's revision.
func WithRevision(d Dependency, overrides map[string]interface{}) Dependency {
	v, ok := overrides[d.Name]
	if !ok || isZero(v) {
		return d
	}
	d.Revision = fmt.Sprint(v)
	return d
}

func isZero(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int:
		return x == 0
	case int64:
		return x == 0
	case uint64:
		return x == 0
	case float64:
		return x == 0
	case bool:
		return !x
	}
	return false
}

// safeElem keeps a store-provided name inside its parent directory.
func safeElem(s string) string {
	return filepath.Base(filepath.Clean("/" + filepath.FromSlash(s)))
}

// ResourceDir is resources/<component>/<dependency name>.
func ResourceDir(root, component, name string) string {
	return filepath.Join(root, Dir, safeElem(component), safeElem(name))
}

// Target is the file a dependency occupies inside its resource directory.
func Target(root, component string, d Dependency) string {
	return filepath.Join(ResourceDir(root, component, d.Name), safeElem(d.Path))
}

// Route is where a classified dependency goes and under which key.
type Route struct {
	Kind Kind
	Key  fetchcache.Key
	// Target is the snap directory for packages and the file for resources.
	Target string
	// Placeholder is the resource path that links to the shared empty
	// snap. Set for packages only.
	Placeholder string
	// Channel is the package channel after the base platform pin.
	Channel string
}

// Plan classifies d, owned by component, and computes its route. channel
// is the component's resolved snap channel.
func Plan(root, component string, d Dependency, channel, arch string) Route {
	if Classify(d) == Package {
		name := PackageName(d)
		ch := PackageChannel(d, channel)
		return Route{
			Kind:        Package,
			Key:         fetchcache.PackageKey(name, ch, arch),
			Target:      snap.TargetDir(root, name, ch, arch),
			Placeholder: Target(root, component, d),
			Channel:     ch,
		}
	}
	return Route{
		Kind:   Opaque,
		Key:    fetchcache.ResourceKey(component, d.Name),
		Target: Target(root, component, d),
	}
}
