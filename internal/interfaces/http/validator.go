package http

import (
	"crypto/subtle"
	"regexp"
)

// Input validation constants
const (
	MaxSessionNameLength = 64
	MaxTenantIDLength    = 64
)

var identPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidSessionName checks if a session name is safe (alphanumeric + underscore + hyphen)
func ValidSessionName(s string) bool {
	return s != "" && len(s) <= MaxSessionNameLength && identPattern.MatchString(s)
}

// ValidTenantID accepts uuids and slug-like ids.
func ValidTenantID(s string) bool {
	return s != "" && len(s) <= MaxTenantIDLength && identPattern.MatchString(s)
}

// SecretsEqual compares secrets in constant time.
func SecretsEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
