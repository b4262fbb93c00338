package core

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedMagnet is returned by ParseMagnet when a magnet URL is
// missing its "xt" parameter or carries a non-btih urn namespace, per
// spec.md §4.7 ("Fails with MalformedMagnet on absent xt or non-btih
// namespace").
var ErrMalformedMagnet = errors.New("malformed magnet url")

// btihPrefix is the urn namespace magnet links use to carry a BitTorrent
// info-hash (here, a Fingerprint).
const btihPrefix = "urn:btih:"

// Magnet is a parsed magnet-style URL, per spec.md §4.7/§6:
// "magnet:?xt=urn:btih:<hex>[&dn=<name>][&tr=<tracker>]*".
type Magnet struct {
	Fingerprint Fingerprint
	Name        string
	Trackers    []string
}

// ParseMagnet parses a magnet URL, extracting the required fingerprint
// and the optional display name and (repeatable) tracker parameters.
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMagnet, err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("%w: scheme %q, want \"magnet\"", ErrMalformedMagnet, u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMagnet, err)
	}

	xt := params.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("%w: missing \"xt\" parameter", ErrMalformedMagnet)
	}
	if !strings.HasPrefix(xt, btihPrefix) {
		return nil, fmt.Errorf("%w: \"xt\" namespace %q is not urn:btih", ErrMalformedMagnet, xt)
	}
	fp, err := NewFingerprintFromHex(strings.TrimPrefix(xt, btihPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMagnet, err)
	}

	m := &Magnet{
		Fingerprint: fp,
		Name:        params.Get("dn"),
		Trackers:    params["tr"],
	}
	return m, nil
}
