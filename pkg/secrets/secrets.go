package secrets

import "fmt"

// Credentials is one venue's private API key material.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Source resolves venue credentials at startup. A failed lookup makes
// that venue's connection fail construction; it does not abort startup.
type Source interface {
	Lookup(venue string) (*Credentials, error)
}

// StaticSource serves credentials straight from memory. Used for inline
// config and tests.
type StaticSource map[string]Credentials

func (s StaticSource) Lookup(venue string) (*Credentials, error) {
	c, ok := s[venue]
	if !ok {
		return nil, fmt.Errorf("no credentials for venue %s", venue)
	}
	return &c, nil
}
