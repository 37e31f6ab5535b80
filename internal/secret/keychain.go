package secret

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var (
	errNotFound    = errors.New("keychain item not found")
	errUnsupported = errors.New("keychain needs macOS")
)

// Keychain stores passwords as generic passwords in the macOS login
// keychain, one item per database under Service.
type Keychain struct {
	Service string
	run     func(args ...string) ([]byte, error)
}

// NewKeychain returns a Keychain backed by the security(1) tool.
func NewKeychain(service string) *Keychain {
	return &Keychain{Service: service, run: security}
}

// Get returns nothing off macOS and for databases without an item.
func (k *Keychain) Get(database string) ([]byte, error) {
	if k.run == nil {
		return nil, nil
	}
	out, err := k.run("find-generic-password", "-s", k.Service, "-a", database, "-w")
	if errors.Is(err, errNotFound) || errors.Is(err, errUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keychain %s: %w", database, err)
	}
	return []byte(strings.TrimRight(string(out), "\r\n")), nil
}

// Set creates or replaces the item for database.
func (k *Keychain) Set(database string, password []byte) error {
	if k.run == nil {
		return errUnsupported
	}
	if _, err := k.run("add-generic-password", "-U", "-s", k.Service, "-a", database, "-w", string(password)); err != nil {
		return fmt.Errorf("keychain %s: %w", database, err)
	}
	return nil
}

func security(args ...string) ([]byte, error) {
	if runtime.GOOS != "darwin" {
		return nil, errUnsupported
	}
	out, err := exec.Command("security", args...).Output()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 44:
		return nil, errNotFound
	case errors.As(err, &exitErr):
		return nil, fmt.Errorf("security %s: %s: %w", args[0], strings.TrimSpace(string(exitErr.Stderr)), err)
	case err != nil:
		return nil, err
	}
	return out, nil
}
