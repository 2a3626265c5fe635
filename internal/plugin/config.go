// Package plugin tracks configured plugins and their lifecycle.
package plugin

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// Kind distinguishes plugins shipped with the host from user-supplied ones.
type Kind int

const (
	KindUser Kind = iota
	KindCore
)

func (k Kind) String() string {
	switch k {
	case KindCore:
		return "CORE"
	case KindUser:
		return "USER"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "CORE":
		*k = KindCore
	case "USER", "":
		*k = KindUser
	default:
		return fmt.Errorf("unknown plugin type %q", string(b))
	}
	return nil
}

// Trust selects the sandbox policy a plugin runs under.
type Trust int

const (
	// Untrusted is the zero value: a plugin is only trusted when configured
	// so explicitly.
	Untrusted Trust = iota
	Trusted
)

func (t Trust) String() string {
	switch t {
	case Trusted:
		return "TRUSTED"
	case Untrusted:
		return "UNTRUSTED"
	default:
		return fmt.Sprintf("Trust(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Trust) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Trust) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "TRUSTED":
		*t = Trusted
	case "UNTRUSTED", "":
		*t = Untrusted
	default:
		return fmt.Errorf("unknown trust tier %q", string(b))
	}
	return nil
}

// Config describes a single plugin. ID is its identity; Hash fingerprints
// the content that requires re-sandboxing when it changes.
type Config struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Hash  string `json:"hash,omitempty" yaml:"hash,omitempty"`
	Kind  Kind   `json:"type" yaml:"type"`
	Trust Trust  `json:"trust" yaml:"trust"`
	Src   string `json:"src" yaml:"src"`
	// When is an optional expression gating evaluation; see Gate.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// Validate checks the fields required for registration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("plugin id cannot be empty")
	}
	if strings.TrimSpace(c.Src) == "" {
		return fmt.Errorf("plugin %q: src cannot be empty", c.ID)
	}
	return nil
}

// ComputeHash generates a deterministic SHA256 fingerprint of the parts of a
// config that affect its sandbox: the source and the trust tier.
func ComputeHash(c Config) (string, error) {
	canonical := struct {
		Src   string `json:"src"`
		Trust string `json:"trust"`
	}{
		Src:   c.Src,
		Trust: c.Trust.String(),
	}

	tempData, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plugin for hashing: %w", err)
	}

	data, err := jcs.Transform(tempData)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize plugin for hashing: %w", err)
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash), nil
}

// withHash returns c with Hash filled in when it was left empty.
func (c Config) withHash() (Config, error) {
	if c.Hash != "" {
		return c, nil
	}
	h, err := ComputeHash(c)
	if err != nil {
		return c, err
	}
	c.Hash = h
	return c, nil
}
