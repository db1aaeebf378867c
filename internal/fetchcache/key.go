package fetchcache

import (
	"fmt"
	"strings"
)

// Class groups keys by artifact kind. Materialize can run one class at a
// time and only the package class is retried.
type Class string

const (
	ClassDescriptor Class = "descriptor"
	ClassComponent  Class = "component"
	ClassPackage    Class = "package"
	ClassResource   Class = "resource"
	ClassImage      Class = "image"
)

// Key is the deduplication identity of one fetch. Two requests with equal
// keys share one fetch and one location.
type Key struct {
	Class   Class  `json:"class"`
	Name    string `json:"name"`
	Channel string `json:"channel,omitempty"`
	Arch    string `json:"arch,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

func DescriptorKey(name string) Key {
	return Key{Class: ClassDescriptor, Name: name}
}

func ComponentKey(name, channel string) Key {
	return Key{Class: ClassComponent, Name: name, Channel: channel}
}

// PackageKey identifies a snap by name, channel and architecture only, so
// components sharing a snap share the download.
func PackageKey(name, channel, arch string) Key {
	return Key{Class: ClassPackage, Name: name, Channel: channel, Arch: arch}
}

// ResourceKey identifies an opaque resource by its owning component, since
// each component may pin a different revision.
func ResourceKey(owner, name string) Key {
	return Key{Class: ClassResource, Name: name, Owner: owner}
}

func ImageKey(image string) Key {
	return Key{Class: ClassImage, Name: image}
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Class))
	b.WriteString(":")
	if k.Owner != "" {
		b.WriteString(k.Owner)
		b.WriteString("/")
	}
	b.WriteString(k.Name)
	if k.Channel != "" {
		fmt.Fprintf(&b, "@%s", k.Channel)
	}
	if k.Arch != "" {
		fmt.Fprintf(&b, "[%s]", k.Arch)
	}
	return b.String()
}
