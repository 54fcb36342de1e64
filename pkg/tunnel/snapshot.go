package tunnel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// ConfigSnapshot is an immutable list of enabled mappings with a content hash.
// The agent produces one whenever the mapping set changes; the gateway swaps
// it in atomically when it acks the corresponding ConfigSync.
type ConfigSnapshot struct {
	Mappings []PortMapping
	Hash     string
}

// NewConfigSnapshot canonicalizes the enabled subset of mappings (sorted by
// id) and computes the content hash over it. Disabled mappings are dropped.
func NewConfigSnapshot(mappings []PortMapping) *ConfigSnapshot {
	enabled := make([]PortMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	return &ConfigSnapshot{
		Mappings: enabled,
		Hash:     HashMappings(enabled),
	}
}

// HashMappings computes the canonical content hash of an already-canonical
// mapping list. Both sides must agree on this, so the input is re-sorted
// defensively before hashing.
func HashMappings(mappings []PortMapping) string {
	canonical := append([]PortMapping(nil), mappings...)
	sort.Slice(canonical, func(i, j int) bool { return canonical[i].ID < canonical[j].ID })

	data, err := json.Marshal(canonical)
	if err != nil {
		// PortMapping contains only marshalable fields.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ByID returns the mapping with the given id, if present.
func (s *ConfigSnapshot) ByID(id string) (PortMapping, bool) {
	for _, m := range s.Mappings {
		if m.ID == id {
			return m, true
		}
	}
	return PortMapping{}, false
}

// ByDomain returns the enabled mapping serving the given external hostname.
// Matching is case-insensitive per DNS semantics.
func (s *ConfigSnapshot) ByDomain(host string) (PortMapping, bool) {
	for _, m := range s.Mappings {
		if strings.EqualFold(m.ExternalDomain, host) {
			return m, true
		}
	}
	return PortMapping{}, false
}
