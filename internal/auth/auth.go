// Package auth authenticates API callers with static keys and checks their
// roles.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

const (
	RoleReader = "query_reader"
	RoleWriter = "query_writer"
	RoleAdmin  = "schema_admin"
)

type Identity struct {
	Subject string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	for _, candidate := range i.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity holds at least one of roles.
func (i Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds digests of configured keys, never the keys.
type StaticAPIKeyValidator struct {
	keys map[[sha256.Size]byte]Identity
}

// NewStaticAPIKeyValidator parses "key:subject:role|role,key2:subject2:role".
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[[sha256.Size]byte]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:subject:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		subject := strings.TrimSpace(parts[1])
		if key == "" || subject == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/subject", entry)
		}
		var roles []string
		for _, role := range strings.Split(parts[2], "|") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		sort.Strings(roles)
		digest := sha256.Sum256([]byte(key))
		if _, exists := validator.keys[digest]; exists {
			return nil, fmt.Errorf("duplicate static key for subject %q", subject)
		}
		validator.keys[digest] = Identity{Subject: subject, Roles: roles}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[sha256.Sum256([]byte(apiKey))]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
