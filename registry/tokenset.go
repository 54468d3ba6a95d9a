package registry

import (
	"fmt"
	"os"

	"github.com/gofrs/uuid"
	"gopkg.in/yaml.v3"
)

// tokenFile is the on-disk shape of the provisional token set (§6
// "the server must be initialized with a non-empty token set before
// accepting connections").
type tokenFile struct {
	Tokens []string `yaml:"tokens"`
}

// LoadTokenSet reads a YAML document of the form:
//
//	tokens:
//	  - c10afcef-0d32-4b6a-a870-54318fdcef18
//	  - ...
//
// and parses each entry as a machine UUID. A malformed UUID fails the load
// entirely rather than silently dropping an entry — a bad token in this
// file is an operator error worth surfacing immediately.
func LoadTokenSet(path string) ([]uuid.UUID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading token file: %w", err)
	}

	var doc tokenFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: parsing token file: %w", err)
	}

	tokens := make([]uuid.UUID, 0, len(doc.Tokens))
	for _, s := range doc.Tokens {
		id, err := uuid.FromString(s)
		if err != nil {
			return nil, fmt.Errorf("registry: invalid token %q: %w", s, err)
		}
		tokens = append(tokens, id)
	}
	return tokens, nil
}
