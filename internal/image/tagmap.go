package image

import (
	"github.com/opencontainers/go-digest"
)

// TagMap maps new tags to image identifiers. Keys are unique, the last Set for a tag wins,
// and iteration follows the order in which tags were first set.
type TagMap struct {
	order []string
	ids   map[string]digest.Digest
}

// NewTagMap returns an empty map.
func NewTagMap() *TagMap {
	return &TagMap{ids: make(map[string]digest.Digest)}
}

// Set points tag at id.
func (m *TagMap) Set(tag string, id digest.Digest) {
	if _, ok := m.ids[tag]; !ok {
		m.order = append(m.order, tag)
	}
	m.ids[tag] = id
}

// Get returns the identifier for tag.
func (m *TagMap) Get(tag string) (digest.Digest, bool) {
	id, ok := m.ids[tag]
	return id, ok
}

// Tags returns the tags in construction order.
func (m *TagMap) Tags() []string {
	return append([]string(nil), m.order...)
}

// Len returns the number of tags.
func (m *TagMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// MarshalYAML renders the map as an ordered list of tag/id pairs.
func (m *TagMap) MarshalYAML() (any, error) {
	type pair struct {
		Tag string `yaml:"tag"`
		ID  string `yaml:"id"`
	}
	out := make([]pair, 0, m.Len())
	if m == nil {
		return out, nil
	}
	for _, tag := range m.order {
		out = append(out, pair{Tag: tag, ID: m.ids[tag].String()})
	}
	return out, nil
}
