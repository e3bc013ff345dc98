// Package policy gives the gateway read-only access to publisher pricing
// policies. Policies are owned by the external management console; the
// gateway never mutates them.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrNotFound is returned when a resource has no policy.
var ErrNotFound = errors.New("no policy for resource")

// Resolution modes for a paid resource.
const (
	ModeLocal = "local"
	ModeProxy = "proxy"
)

// Policy describes how one resource is priced and where its content comes
// from. Price is an integer in the asset's smallest unit.
type Policy struct {
	ResourceID string `json:"resource" validate:"required"`
	Recipient  string `json:"recipient" validate:"required,eth_addr"`
	Price      string `json:"price" validate:"required,number"`
	Asset      string `json:"asset,omitempty" validate:"omitempty,eth_addr"`
	Currency   string `json:"currency,omitempty"`
	Decimals   int    `json:"decimals" validate:"gte=0,lte=36"`
	ChainID    string `json:"chainId" validate:"required"`

	Mode      string `json:"mode" validate:"required,oneof=local proxy"`
	Upstream  string `json:"upstream,omitempty" validate:"required_if=Mode proxy,omitempty,url"`
	LocalPath string `json:"localPath,omitempty" validate:"required_if=Mode local"`
	MimeType  string `json:"mimeType,omitempty"`
}

// Store resolves resource identifiers to policies.
type Store interface {
	Lookup(resourceID string) (*Policy, error)
}

var validate = validator.New()

// FileStore loads policies from a JSON file exported by the management
// console. Lookups are served from memory; Reload swaps in a new snapshot.
type FileStore struct {
	path string

	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewFileStore loads and validates the policy file.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the policy file. On any error the previous snapshot is
// kept.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}

	var list []*Policy
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parsing policy file: %w", err)
	}

	policies := make(map[string]*Policy, len(list))
	for _, p := range list {
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("invalid policy for %q: %w", p.ResourceID, err)
		}
		if _, dup := policies[p.ResourceID]; dup {
			return fmt.Errorf("duplicate policy for %q", p.ResourceID)
		}
		policies[p.ResourceID] = p
	}

	s.mu.Lock()
	s.policies = policies
	s.mu.Unlock()
	return nil
}

// Lookup implements Store.
func (s *FileStore) Lookup(resourceID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	return p, nil
}

// Len reports the number of loaded policies.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.policies)
}

// StaticStore serves a fixed policy set. Used in tests and embedded
// deployments.
type StaticStore map[string]*Policy

func (s StaticStore) Lookup(resourceID string) (*Policy, error) {
	p, ok := s[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	return p, nil
}
