package store

import (
	"fmt"
	"strings"
)

// Origin is the store a component or bundle is fetched from.
type Origin int

const (
	// Charmhub is the primary store, selected by "ch:" or by no prefix.
	Charmhub Origin = iota
	// Charmstore is the legacy store, selected by "cs:".
	Charmstore
)

const (
	charmhubPrefix   = "ch:"
	charmstorePrefix = "cs:"
)

func (o Origin) String() string {
	switch o {
	case Charmhub:
		return "charmhub"
	case Charmstore:
		return "charmstore"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Identity is a parsed component reference.
type Identity struct {
	Origin Origin
	Name   string
}

// ParseIdentity is the only place that inspects the origin prefix.
func ParseIdentity(ref string) Identity {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, charmstorePrefix):
		return Identity{Origin: Charmstore, Name: strings.TrimPrefix(ref, charmstorePrefix)}
	case strings.HasPrefix(ref, charmhubPrefix):
		return Identity{Origin: Charmhub, Name: strings.TrimPrefix(ref, charmhubPrefix)}
	default:
		return Identity{Origin: Charmhub, Name: ref}
	}
}

func (id Identity) String() string {
	if id.Origin == Charmstore {
		return charmstorePrefix + id.Name
	}
	return id.Name
}

// UnsupportedOperationError is returned when an origin cannot serve a
// request, such as any request to the retired legacy store.
type UnsupportedOperationError struct {
	Origin    Origin
	Operation string
	Identity  string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s cannot serve %s for %q: the store is not configured", e.Origin, e.Operation, e.Identity)
}
