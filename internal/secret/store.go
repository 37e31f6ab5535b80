package secret

import (
	"fmt"
	"os"
	"strings"
)

// Store looks up database passwords by key.
type Store interface {
	// Get returns the secret for key, or an empty slice and nil error when
	// there is none.
	Get(key string) ([]byte, error)
}

// EnvStore reads secrets from environment variables. A key such as
// "brreg_v2" is looked up as <Prefix>BRREG_V2.
type EnvStore struct {
	Prefix string
}

func (e EnvStore) Get(key string) ([]byte, error) {
	name := e.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
	return []byte(os.Getenv(name)), nil
}

// Chain asks each store in turn and returns the first non-empty secret.
type Chain []Store

func (c Chain) Get(key string) ([]byte, error) {
	for _, s := range c {
		v, err := s.Get(key)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", key, err)
		}
		if len(v) > 0 {
			return v, nil
		}
	}
	return nil, nil
}

// KeychainService names the keychain items docload reads and writes.
const KeychainService = "docload"

// Default is the environment first, then the macOS Keychain.
func Default() Store {
	return Chain{EnvStore{Prefix: "DOCLOAD_PASSWORD_"}, NewKeychain(KeychainService)}
}
