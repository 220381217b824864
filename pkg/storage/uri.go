package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidURI indicates a storage URI could not be parsed.
var ErrInvalidURI = errors.New("invalid storage URI")

// URI addresses an object (or a "directory" prefix) in a storage backend.
//
// The textual form is "/bucket/key/path". The first segment is the bucket or
// container; the remainder, rejoined with "/", is the object key.
type URI struct {
	Bucket string
	Key    string
}

// ParseURI parses "/bucket/key..." into its components.
//
// The path must start with "/" and carry at least two non-empty segments.
// Parsing is pure: String() on the result reproduces the input.
func ParseURI(s string) (URI, error) {
	if s == "" {
		return URI{}, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	if !strings.HasPrefix(s, "/") {
		return URI{}, fmt.Errorf("%w: %q must start with /", ErrInvalidURI, s)
	}

	parts := strings.SplitN(s[1:], "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return URI{}, fmt.Errorf("%w: %q needs a bucket and a key", ErrInvalidURI, s)
	}

	return URI{Bucket: parts[0], Key: parts[1]}, nil
}

// MustParseURI is ParseURI for literals known to be valid.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsURI reports whether s parses as a storage URI.
func IsURI(s string) bool {
	_, err := ParseURI(s)
	return err == nil
}

// String returns the URI in "/bucket/key" form.
func (u URI) String() string {
	return "/" + u.Bucket + "/" + u.Key
}

// Join returns a URI for a child key under u.
func (u URI) Join(elem ...string) URI {
	parts := append([]string{strings.TrimSuffix(u.Key, "/")}, elem...)
	return URI{Bucket: u.Bucket, Key: strings.Join(parts, "/")}
}

// WithSuffix returns a sibling URI whose key has suffix appended.
func (u URI) WithSuffix(suffix string) URI {
	return URI{Bucket: u.Bucket, Key: u.Key + suffix}
}

// DirPrefix returns the listing prefix used when u names a directory.
func (u URI) DirPrefix() string {
	return strings.TrimSuffix(u.Key, "/") + "/"
}
