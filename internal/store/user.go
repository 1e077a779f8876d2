package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
)

// Known roles granted to credential records
const (
	RolePull      = "pull"
	RolePush      = "push"
	RoleForcePush = "forcepush"
	RoleSecrets   = "secrets"
	RoleCreate    = "create"
	RoleRead      = "read"
	RoleWrite     = "write"
)

var knownRoles = []string{RolePull, RolePush, RoleForcePush, RoleSecrets, RoleCreate, RoleRead, RoleWrite}

// UserData is a stored credential record
type UserData struct {
	// Roles granted to the user
	Roles []Role `json:"roles"`
	// BasicPassword is the plaintext password accepted on input. It is
	// replaced by Salt and Hash before the record is persisted.
	BasicPassword string `json:"basicPassword,omitempty"`
	// Hash and Salt hold the processed password
	Hash string `json:"hash,omitempty"`
	Salt string `json:"salt,omitempty"`
}

// HasRole reports whether the record grants role
func (u *UserData) HasRole(role string) bool {
	if u == nil {
		return false
	}
	return slices.ContainsFunc(u.Roles, func(r Role) bool { return r.Role == role })
}

// Clone returns a deep copy of the record
func (u *UserData) Clone() *UserData {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = slices.Clone(u.Roles)
	return &c
}

// ParseUserData reads and validates a credential record
func ParseUserData(r io.Reader) (*UserData, error) {
	schema, err := userSchema()
	if err != nil {
		return nil, err
	}
	var user UserData
	if err := parseDocument(r, schema, &user); err != nil {
		return nil, err
	}
	for _, role := range user.Roles {
		if !slices.Contains(knownRoles, role.Role) {
			slog.Warn("Credential record grants unknown role", "role", role.Role)
		}
	}
	return &user, nil
}

// MarshalUserData encodes a credential record the way it is persisted
func MarshalUserData(user *UserData) ([]byte, error) {
	if user == nil {
		return nil, fmt.Errorf("user data cannot be nil")
	}
	return json.MarshalIndent(user, "", "  ")
}

// UserKey returns the credential key for a realm/name path
func UserKey(userKeyPath string) (string, error) {
	p := strings.Trim(userKeyPath, "/")
	if p == "" || strings.Contains(p, "//") {
		return "", fmt.Errorf("%w: user path %q", ErrInvalidKey, userKeyPath)
	}
	for _, segment := range strings.Split(p, "/") {
		if strings.HasPrefix(segment, ".") {
			return "", fmt.Errorf("%w: user path %q", ErrInvalidKey, userKeyPath)
		}
	}
	return UsersPrefix + p, nil
}
