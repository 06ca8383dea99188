package agent

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyOpen          = errors.New("agent: binding already open")
	ErrInvalidBinding       = errors.New("agent: invalid binding")
	ErrStopped              = errors.New("agent: stopped")
	ErrNoKeyMaterial        = errors.New("agent: no key material configured")
	ErrUnknownPeer          = errors.New("agent: unknown peer")
	ErrPeerUntrusted        = errors.New("agent: peer is untrusted")
	ErrPeerIdentityMismatch = errors.New("agent: peer certificate does not match recorded identity")
	ErrRegistryNotLoaded    = errors.New("agent: peer registry not loaded")
	ErrDataDirInUse         = errors.New("agent: data directory is already in use")
)

// ConfigError reports invalid or unusable configuration: bad binding
// properties or TLS material that failed to resolve. Nothing was changed.
type ConfigError struct {
	Op     string // "open" or "connect"
	Target string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("agent: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
