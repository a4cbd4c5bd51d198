package storage

import (
	"strings"
)

// Location addresses a key prefix inside a bucket, e.g. s3://bucket/events/2024/01/01/
type Location struct {
	Scheme string
	Bucket string
	Prefix string
}

// ParseURI splits scheme://bucket/key-prefix into its parts.
// The prefix is kept verbatim, including any trailing slash.
func ParseURI(uri string) (Location, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return Location{}, ErrInvalidLocation.New("%q: missing scheme", uri)
	}
	if strings.ContainsAny(scheme, "/ ") {
		return Location{}, ErrInvalidLocation.New("%q: malformed scheme", uri)
	}

	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, ErrInvalidLocation.New("%q: missing bucket", uri)
	}

	return Location{
		Scheme: scheme,
		Bucket: bucket,
		Prefix: prefix,
	}, nil
}

// String renders the location back to URI form
func (l Location) String() string {
	return l.Scheme + "://" + l.Bucket + "/" + l.Prefix
}

// Append returns a location whose prefix is extended by suffix
func (l Location) Append(suffix string) Location {
	l.Prefix += suffix
	return l
}

// MarshalText renders the location as its URI
func (l Location) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a URI
func (l *Location) UnmarshalText(text []byte) error {
	loc, err := ParseURI(string(text))
	if err != nil {
		return err
	}
	*l = loc
	return nil
}
