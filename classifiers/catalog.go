package classifiers

import (
	"sort"
	"strings"
	"sync"
)

// Catalog maps family names to descriptors. Lookups are case-insensitive.
type Catalog struct {
	mu       sync.RWMutex
	families map[string]Family
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{families: make(map[string]Family)}
}

// DefaultCatalog returns a catalog holding the built-in families.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, f := range Builtin() {
		c.Register(f)
	}
	return c
}

// Register adds or replaces a family.
func (c *Catalog) Register(f Family) {
	c.mu.Lock()
	c.families[strings.ToLower(f.Name)] = f
	c.mu.Unlock()
}

// Get looks a family up by name.
func (c *Catalog) Get(name string) (Family, bool) {
	c.mu.RLock()
	f, ok := c.families[strings.ToLower(name)]
	c.mu.RUnlock()
	return f, ok
}

// List returns all families ordered by name.
func (c *Catalog) List() []Family {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Family, 0, len(c.families))
	for _, f := range c.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the family names ordered.
func (c *Catalog) Names() []string {
	fams := c.List()
	names := make([]string, len(fams))
	for i, f := range fams {
		names[i] = f.Name
	}
	return names
}
