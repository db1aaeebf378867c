package bundle

import (
	"fmt"
	"path/filepath"

	"github.com/open-edge-platform/shrinkwrap/internal/channel"
	"gopkg.in/yaml.v3"
)

const (
	// BaseName is the file name of the base descriptor.
	BaseName = "bundle.yaml"

	KeyApplications = "applications"
	KeyServices     = "services"

	// ComponentsDir holds unpacked components below the output root.
	ComponentsDir = "charms"
	// DescriptorDir holds the fetched descriptors below ComponentsDir.
	DescriptorDir = ".bundle"
)

// Component is one entry of a descriptor's component map.
type Component struct {
	Charm     string
	Channel   string
	Trust     bool
	Options   map[string]interface{}
	Resources map[string]interface{}
	// Raw is the entry as written, used when rewriting.
	Raw map[string]interface{}
}

type componentFields struct {
	Charm     string                 `yaml:"charm"`
	Channel   string                 `yaml:"channel"`
	Trust     bool                   `yaml:"trust"`
	Options   map[string]interface{} `yaml:"options"`
	Resources map[string]interface{} `yaml:"resources"`
}

// Descriptor is a parsed base bundle or overlay.
type Descriptor struct {
	Name string
	// Key is the top-level key holding the components, "applications" or
	// "services".
	Key string
	// Order lists component names as declared.
	Order []string
	// Components maps names to entries. A nil entry is an overlay removing
	// the component.
	Components map[string]*Component
	Raw        map[string]interface{}
}

func (d *Descriptor) IsBase() bool { return d.Name == BaseName }

// Trusted reports whether any component of d asks for trust.
func (d *Descriptor) Trusted() bool {
	for _, name := range d.Order {
		if c := d.Components[name]; c != nil && c.Trust {
			return true
		}
	}
	return false
}

// ParseDescriptor parses a bundle or overlay document. Components may live
// under "applications" or "services"; "applications" wins when both are
// present and non-empty.
func ParseDescriptor(name string, data []byte) (*Descriptor, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", name, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parsing descriptor %s: top level is not a mapping", name)
	}
	top := doc.Content[0]

	raw := make(map[string]interface{})
	if err := top.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding descriptor %s: %w", name, err)
	}

	key, comps := componentsNode(top)
	if comps == nil {
		return nil, fmt.Errorf("descriptor %s has no %s or %s", name, KeyApplications, KeyServices)
	}

	d := &Descriptor{
		Name:       name,
		Key:        key,
		Components: make(map[string]*Component),
		Raw:        raw,
	}
	for i := 0; i+1 < len(comps.Content); i += 2 {
		compName := comps.Content[i].Value
		value := comps.Content[i+1]
		if _, dup := d.Components[compName]; dup {
			return nil, fmt.Errorf("descriptor %s declares %s twice", name, compName)
		}
		d.Order = append(d.Order, compName)

		if value.ShortTag() == "!!null" {
			d.Components[compName] = nil
			continue
		}
		c, err := decodeComponent(value)
		if err != nil {
			return nil, fmt.Errorf("descriptor %s, component %s: %w", name, compName, err)
		}
		d.Components[compName] = c
	}
	return d, nil
}

func componentsNode(top *yaml.Node) (string, *yaml.Node) {
	var services *yaml.Node
	for i := 0; i+1 < len(top.Content); i += 2 {
		k, v := top.Content[i].Value, top.Content[i+1]
		if v.Kind == yaml.AliasNode {
			v = v.Alias
		}
		if v.Kind != yaml.MappingNode {
			continue
		}
		switch k {
		case KeyApplications:
			if len(v.Content) > 0 {
				return KeyApplications, v
			}
		case KeyServices:
			services = v
		}
	}
	if services != nil {
		return KeyServices, services
	}
	return "", nil
}

func decodeComponent(n *yaml.Node) (*Component, error) {
	var fields componentFields
	if err := n.Decode(&fields); err != nil {
		return nil, err
	}
	raw := make(map[string]interface{})
	if err := n.Decode(&raw); err != nil {
		return nil, err
	}
	return &Component{
		Charm:     fields.Charm,
		Channel:   fields.Channel,
		Trust:     fields.Trust,
		Options:   fields.Options,
		Resources: fields.Resources,
		Raw:       raw,
	}, nil
}

// ComponentDir is charms/<name>/<channel segments>, where the component
// archive is unpacked.
func ComponentDir(root, name, ch string) string {
	parts := append([]string{root, ComponentsDir, filepath.Base(name)}, channel.Segments(ch)...)
	return filepath.Join(parts...)
}

// DescriptorPath is where a fetched descriptor is cached.
func DescriptorPath(root, name string) string {
	return filepath.Join(root, ComponentsDir, DescriptorDir, filepath.Base(name))
}

// Descriptors is the resolved base followed by overlays in request order.
type Descriptors []*Descriptor

func (ds Descriptors) Base() *Descriptor {
	for _, d := range ds {
		if d.IsBase() {
			return d
		}
	}
	return nil
}

func (ds Descriptors) Get(name string) *Descriptor {
	for _, d := range ds {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func (ds Descriptors) Names() []string {
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Name)
	}
	return names
}

// Flatten merges the descriptors into one component set. A name defined by
// the base keeps the base definition; overlays only add names the base
// lacks, and the first overlay to define such a name wins. Names appear in
// first-seen order. A name that only ever maps to nil stays nil.
func Flatten(ds Descriptors) ([]string, map[string]*Component) {
	base := ds.Base()
	var order []string
	comps := make(map[string]*Component)
	seen := make(map[string]bool)

	visit := func(d *Descriptor) {
		for _, name := range d.Order {
			c := d.Components[name]
			if !seen[name] {
				seen[name] = true
				order = append(order, name)
			}
			if base != nil {
				if bc := base.Components[name]; bc != nil {
					comps[name] = bc
					continue
				}
			}
			if comps[name] == nil {
				comps[name] = c
			}
		}
	}

	if base != nil {
		visit(base)
	}
	for _, d := range ds {
		if d != base {
			visit(d)
		}
	}
	return order, comps
}
