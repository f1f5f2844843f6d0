package attack

import (
	"context"
	"fmt"
	"strings"

	"fedpoison/internal/artifact"
	"fedpoison/internal/faults"
	"fedpoison/internal/schema"
)

// MetaFile is the attack provenance document name.
const MetaFile = "attack_metadata.json"

// Sample types.
const (
	TypeNormal = "normal"
	TypeAttack = "attack"
)

// Metadata is the provenance record of one synthesis run. It is the only
// link from the synthesized folders back to the injected attacks; the
// detector reads the folder tree, never this document.
type Metadata struct {
	RandomSeed            int64   `json:"random_seed"`
	AttackFraction        float64 `json:"attack_fraction"`
	NumAttackIDsPerClient int     `json:"num_attack_ids_per_client"`
	DonorsPerAttack       int     `json:"donors_per_attack"`
	ImagesPerIdentity     int     `json:"images_per_identity"`
	NumClients            int     `json:"num_clients"`

	// MaliciousClients holds client file names, sorted.
	MaliciousClients []string `json:"malicious_clients"`

	// SkippedClients holds client file names with too few valid identities.
	SkippedClients []string `json:"skipped_clients"`

	Clients []ClientEntry `json:"clients"`
}

// ClientEntry is one normal client or one attack target.
type ClientEntry struct {
	Client          string   `json:"client"`
	Type            string   `json:"type"`
	TargetIdentity  string   `json:"target_identity,omitempty"`
	DonorIdentities []string `json:"donor_identities,omitempty"`
	ImagesRequested int      `json:"images_requested"`
	ImagesCopied    int      `json:"images_copied"`
}

// NumAttackIdentities counts the attack entries.
func (m *Metadata) NumAttackIdentities() int {
	n := 0
	for _, c := range m.Clients {
		if c.Type == TypeAttack {
			n++
		}
	}
	return n
}

// IsMalicious reports whether the client file was selected as malicious.
func (m *Metadata) IsMalicious(file string) bool {
	for _, c := range m.MaliciousClients {
		if c == file {
			return true
		}
	}
	return false
}

// ClientTypes maps each client name present in the entries to its type.
func (m *Metadata) ClientTypes() map[string]string {
	types := make(map[string]string, len(m.Clients))
	for _, c := range m.Clients {
		types[c.Client] = c.Type
	}
	return types
}

// MaliciousCount returns max(1, floor(n*fraction)).
func MaliciousCount(n int, fraction float64) int {
	k := int(float64(n) * fraction)
	if k < 1 {
		k = 1
	}
	return k
}

// Verify checks the attack invariants recorded in m: the malicious set has
// the expected size and no duplicates, every attack entry belongs to a
// malicious client, and no donor set contains its target or a repeat.
func (m *Metadata) Verify() error {
	if want := MaliciousCount(m.NumClients, m.AttackFraction); len(m.MaliciousClients) != want {
		return faults.Integrityf("%d malicious clients, want max(1, floor(%d*%v)) = %d",
			len(m.MaliciousClients), m.NumClients, m.AttackFraction, want)
	}

	malicious := make(map[string]bool, len(m.MaliciousClients))
	for _, f := range m.MaliciousClients {
		if malicious[f] {
			return faults.Integrityf("client %s selected twice", f)
		}
		malicious[f] = true
	}

	for _, c := range m.Clients {
		file := c.Client + ".txt"
		switch c.Type {
		case TypeAttack:
			if !malicious[file] {
				return faults.Integrityf("attack entry for non-malicious client %s", c.Client)
			}
			seen := make(map[string]bool, len(c.DonorIdentities))
			for _, d := range c.DonorIdentities {
				if d == c.TargetIdentity {
					return faults.Integrityf("%s: target %s is its own donor", c.Client, d)
				}
				if seen[d] {
					return faults.Integrityf("%s: donor %s repeated for target %s", c.Client, d, c.TargetIdentity)
				}
				seen[d] = true
			}
		case TypeNormal:
			if malicious[file] {
				return faults.Integrityf("normal entry for malicious client %s", c.Client)
			}
		default:
			return faults.Integrityf("%s: unknown type %q", c.Client, c.Type)
		}
		if c.ImagesCopied > c.ImagesRequested {
			return faults.Integrityf("%s: copied %d of %d requested images", c.Client, c.ImagesCopied, c.ImagesRequested)
		}
	}
	return nil
}

// ReadMetadata parses and validates an attack metadata document.
func ReadMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := schema.Unmarshal(schema.AttackMetadata, data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadMetadata reads the attack metadata stored under key.
func LoadMetadata(ctx context.Context, store artifact.Store, key string) (*Metadata, error) {
	data, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return ReadMetadata(data)
}

// clientName strips the .txt extension of a client file.
func clientName(file string) string {
	return strings.TrimSuffix(file, ".txt")
}
