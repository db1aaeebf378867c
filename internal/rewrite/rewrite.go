package rewrite

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/open-edge-platform/shrinkwrap/internal/bundle"
	"github.com/open-edge-platform/shrinkwrap/internal/container"
	"github.com/open-edge-platform/shrinkwrap/internal/resource"
	"github.com/open-edge-platform/shrinkwrap/internal/snap"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/file"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/security"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

const (
	DeployScript     = "deploy.sh"
	PushSnapsScript  = "push_snaps.sh"
	PushImagesScript = "push_container_images.sh"
	Readme           = "README"

	metadataFile = "metadata.yaml"
	trustFlag    = "--trust"
	overlayFlag  = "--overlay"
)

// MissingLocalResource is reported when a resource directory holds no file
// after fetching. The declared revision is kept in the descriptor; a
// resource only known from metadata.yaml has none and is left out.
type MissingLocalResource struct {
	Component string
	Resource  string
	Fallback  interface{}
	Omitted   bool
}

func (w MissingLocalResource) String() string {
	if w.Omitted {
		return fmt.Sprintf("no local file for resource %s of %s, left out", w.Resource, w.Component)
	}
	return fmt.Sprintf("no local file for resource %s of %s, keeping revision %v", w.Resource, w.Component, w.Fallback)
}

// Image is one saved container image.
type Image struct {
	// Name is the image reference without the repository prefix.
	Name string
	Path string
}

// Result describes what the engine wrote.
type Result struct {
	DeployArgs string
	Snaps      []string
	Images     []Image
	Warnings   []MissingLocalResource
	Files      []string
}

// Engine turns fetched descriptors into their offline form.
type Engine struct {
	Root string
	// Bundle is the identity the descriptors were built from, shown in the
	// README.
	Bundle    string
	ImageRepo string
	// Components is the flattened component set. When set, charm paths
	// point at the winning definition's unpack directory.
	Components map[string]*bundle.Component
}

// Rewrite writes the offline descriptors, the push scripts, README,
// deploy.sh and MANIFEST into the output root.
func (e *Engine) Rewrite(descs bundle.Descriptors) (*Result, error) {
	log := logger.Logger()
	res := &Result{}

	for _, d := range descs {
		doc, warnings, err := e.offlineDescriptor(d)
		if err != nil {
			return nil, err
		}
		res.Warnings = append(res.Warnings, warnings...)

		data, err := marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding offline descriptor %s: %w", d.Name, err)
		}
		path := filepath.Join(e.Root, filepath.Base(d.Name))
		if err := security.SafeWriteFile(path, data, 0o644, security.RejectSymlinks); err != nil {
			return nil, fmt.Errorf("writing offline descriptor %s: %w", d.Name, err)
		}
		res.Files = append(res.Files, path)
	}
	for _, w := range res.Warnings {
		log.Warn(w.String())
	}
	res.DeployArgs = DeployArgs(descs)

	var err error
	if res.Snaps, err = e.snaps(); err != nil {
		return nil, err
	}
	if res.Images, err = e.images(); err != nil {
		return nil, err
	}

	data := struct {
		Bundle      string
		Descriptors []string
		Components  int
		Snaps       []string
		Images      []Image
		ImageRepo   string
		DeployArgs  string
	}{
		Bundle:      e.Bundle,
		Descriptors: descs.Names(),
		Components:  e.componentCount(descs),
		Snaps:       res.Snaps,
		Images:      res.Images,
		ImageRepo:   e.ImageRepo,
		DeployArgs:  res.DeployArgs,
	}

	outputs := []struct {
		name       string
		executable bool
	}{
		{PushSnapsScript, true},
		{PushImagesScript, true},
		{Readme, false},
		{DeployScript, true},
	}
	for _, out := range outputs {
		var buf bytes.Buffer
		if err := templates.ExecuteTemplate(&buf, out.name+".tmpl", data); err != nil {
			return nil, fmt.Errorf("rendering %s: %w", out.name, err)
		}
		path := filepath.Join(e.Root, out.name)
		if out.executable {
			err = file.WriteExecutable(path, buf.Bytes())
		} else {
			err = security.SafeWriteFile(path, buf.Bytes(), 0o644, security.RejectSymlinks)
		}
		if err != nil {
			return nil, fmt.Errorf("writing %s: %w", out.name, err)
		}
		res.Files = append(res.Files, path)
	}

	manifest, err := WriteManifest(e.Root)
	if err != nil {
		return nil, err
	}
	res.Files = append(res.Files, manifest)

	log.Infof("offline bundle written to %s: %d snaps, %d images, %d warnings",
		e.Root, len(res.Snaps), len(res.Images), len(res.Warnings))
	return res, nil
}

// DeployArgs is the juju deploy argument list: the base descriptor, then one
// --overlay per overlay in order. Each trusted descriptor is followed by --trust.
func DeployArgs(descs bundle.Descriptors) string {
	var args []string
	for _, d := range descs {
		if d.IsBase() {
			args = append(args, "./"+d.Name)
		} else {
			args = append(args, overlayFlag, "./"+d.Name)
		}
		if d.Trusted() {
			args = append(args, trustFlag)
		}
	}
	return strings.Join(args, " ")
}

func (e *Engine) componentCount(descs bundle.Descriptors) int {
	if e.Components != nil {
		n := 0
		for _, c := range e.Components {
			if c != nil {
				n++
			}
		}
		return n
	}
	_, comps := bundle.Flatten(descs)
	n := 0
	for _, c := range comps {
		if c != nil {
			n++
		}
	}
	return n
}

// offlineDescriptor copies d with every charm and resource reference
// pointing into the output root.
func (e *Engine) offlineDescriptor(d *bundle.Descriptor) (map[string]interface{}, []MissingLocalResource, error) {
	doc := make(map[string]interface{}, len(d.Raw))
	for k, v := range d.Raw {
		doc[k] = v
	}

	var warnings []MissingLocalResource
	comps := make(map[string]interface{}, len(d.Order))
	for _, name := range d.Order {
		c := d.Components[name]
		if c == nil {
			comps[name] = nil
			continue
		}
		entry, w, err := e.offlineComponent(name, c)
		if err != nil {
			return nil, nil, fmt.Errorf("rewriting %s in %s: %w", name, d.Name, err)
		}
		warnings = append(warnings, w...)
		comps[name] = entry
	}
	doc[d.Key] = comps
	return doc, warnings, nil
}

func (e *Engine) offlineComponent(name string, c *bundle.Component) (map[string]interface{}, []MissingLocalResource, error) {
	entry := make(map[string]interface{}, len(c.Raw)+2)
	for k, v := range c.Raw {
		entry[k] = v
	}

	ch := c.Channel
	if w := e.Components[name]; w != nil {
		ch = w.Channel
	}
	dir := bundle.ComponentDir(e.Root, name, ch)
	charm, err := file.LocalPath(e.Root, dir)
	if err != nil {
		return nil, nil, err
	}
	entry["charm"] = charm

	declared := c.Resources
	fromMetadata := false
	if len(declared) == 0 {
		if declared, err = metadataResources(dir); err != nil {
			return nil, nil, err
		}
		fromMetadata = true
	}
	if len(declared) == 0 {
		return entry, nil, nil
	}

	names := make([]string, 0, len(declared))
	for n := range declared {
		names = append(names, n)
	}
	sort.Strings(names)

	var warnings []MissingLocalResource
	resources := make(map[string]interface{}, len(declared))
	for _, rn := range names {
		local, err := e.localResource(name, rn)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case local != "":
			resources[rn] = local
		case fromMetadata:
			warnings = append(warnings, MissingLocalResource{Component: name, Resource: rn, Omitted: true})
		default:
			resources[rn] = declared[rn]
			warnings = append(warnings, MissingLocalResource{Component: name, Resource: rn, Fallback: declared[rn]})
		}
	}
	entry["resources"] = resources
	return entry, warnings, nil
}

// localResource returns the first file of the resource directory in
// "./..." form, or "" when there is none.
func (e *Engine) localResource(component, name string) (string, error) {
	matches, err := file.Glob(resource.ResourceDir(e.Root, component, name), "*")
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), ".") {
			continue
		}
		return file.LocalPath(e.Root, m)
	}
	return "", nil
}

func metadataResources(componentDir string) (map[string]interface{}, error) {
	data, err := security.SafeReadFile(filepath.Join(componentDir, metadataFile), security.RejectSymlinks)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", metadataFile, err)
	}
	var meta struct {
		Resources map[string]interface{} `yaml:"resources"`
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s in %s: %w", metadataFile, componentDir, err)
	}
	return meta.Resources, nil
}

func marshal(doc map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Engine) snaps() ([]string, error) {
	paths, err := file.GlobRecursive(filepath.Join(e.Root, snap.Dir), snap.ArchiveSuffix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		lp, err := file.LocalPath(e.Root, p)
		if err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, nil
}

func (e *Engine) images() ([]Image, error) {
	dir := filepath.Join(e.Root, container.Dir)
	paths, err := file.GlobRecursive(dir, container.ArchiveSuffix)
	if err != nil {
		return nil, err
	}
	out := make([]Image, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, err
		}
		lp, err := file.LocalPath(e.Root, p)
		if err != nil {
			return nil, err
		}
		out = append(out, Image{
			Name: strings.TrimSuffix(filepath.ToSlash(rel), container.ArchiveSuffix),
			Path: lp,
		})
	}
	return out, nil
}

// Dangling returns the references of an offline descriptor that do not
// name an existing path inside root. Charms must always be local paths;
// non-path resource values are declared revisions and are not checked.
func Dangling(root string, doc map[string]interface{}, key string) []string {
	var missing []string
	comps, _ := doc[key].(map[string]interface{})
	check := func(v interface{}, required bool) {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "./") {
			if required {
				missing = append(missing, fmt.Sprint(v))
			}
			return
		}
		p := filepath.Join(root, filepath.FromSlash(s))
		if ok, _ := file.IsSubPath(root, p); !ok {
			missing = append(missing, s)
			return
		}
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, s)
		}
	}
	for _, c := range comps {
		entry, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		check(entry["charm"], true)
		if rs, ok := entry["resources"].(map[string]interface{}); ok {
			for _, v := range rs {
				check(v, false)
			}
		}
	}
	sort.Strings(missing)
	return missing
}
