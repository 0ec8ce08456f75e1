package guard

import (
	"fmt"
	"sort"
	"strings"
)

// ReservedPaths are served by the gateway itself and cannot host a portal
var ReservedPaths = []string{"/api", "/auth", "/healthz", "/readyz", "/metrics"}

// PortalTable is the immutable set of portals registered at start-up
type PortalTable struct {
	byName map[PortalName]PortalDescriptor
}

// DefaultPortals returns the two portals the platform ships with
func DefaultPortals() []PortalDescriptor {
	return []PortalDescriptor{
		{Name: PortalAdmin, RequiredRole: RoleAdmin, BasePath: "/admin"},
		{Name: PortalCustomer, RequiredRole: RoleCustomer, BasePath: "/customer"},
	}
}

// NewPortalTable builds a table from descriptors.
// Duplicate names, unknown roles and empty names are rejected, as are base paths
// that overlap another portal or a reserved gateway path.
func NewPortalTable(descriptors ...PortalDescriptor) (*PortalTable, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("portal table: at least one portal is required")
	}

	byName := make(map[PortalName]PortalDescriptor, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("portal table: portal name is required")
		}
		if !d.RequiredRole.Valid() {
			return nil, fmt.Errorf("portal table: portal %q has unknown required role %q", d.Name, d.RequiredRole)
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("portal table: duplicate portal %q", d.Name)
		}
		if d.BasePath == "" {
			d.BasePath = "/" + string(d.Name)
		}
		d.BasePath = strings.TrimRight(d.BasePath, "/")
		if !strings.HasPrefix(d.BasePath, "/") {
			return nil, fmt.Errorf("portal table: portal %q needs an absolute, non-root base path", d.Name)
		}
		for _, reserved := range ReservedPaths {
			if pathOverlaps(d.BasePath, reserved) {
				return nil, fmt.Errorf("portal table: portal %q base path %s collides with %s", d.Name, d.BasePath, reserved)
			}
		}
		for _, other := range byName {
			if pathOverlaps(d.BasePath, other.BasePath) {
				return nil, fmt.Errorf("portal table: portals %q and %q share base path %s", other.Name, d.Name, d.BasePath)
			}
		}
		byName[d.Name] = d
	}

	return &PortalTable{byName: byName}, nil
}

// MustPortalTable is NewPortalTable for static tables known to be valid
func MustPortalTable(descriptors ...PortalDescriptor) *PortalTable {
	t, err := NewPortalTable(descriptors...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the descriptor registered under name
func (t *PortalTable) Lookup(name PortalName) (PortalDescriptor, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// All returns the descriptors sorted by name
func (t *PortalTable) All() []PortalDescriptor {
	out := make([]PortalDescriptor, 0, len(t.byName))
	for _, d := range t.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered portals
func (t *PortalTable) Len() int {
	return len(t.byName)
}

// pathOverlaps reports whether one path equals the other or nests under it
func pathOverlaps(a, b string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	return a == b || strings.HasPrefix(b, a+"/")
}
