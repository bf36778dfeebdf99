// Package resolver turns user identities into canonical, cache-stable avatar URLs.
package resolver

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

const (
	DefaultFallbackBaseURL = "https://gravatar.com/avatar"
	DefaultProviderMarker  = "gravatar"
	DefaultMissingParam    = "404"
)

// Config controls URL construction.
type Config struct {
	// FallbackBaseURL prefixes hash-addressed avatar URLs.
	FallbackBaseURL string `mapstructure:"fallback_base_url"`
	// ProviderMarker identifies hash-avatar hosts whose query must survive.
	ProviderMarker string `mapstructure:"provider_marker"`
	// MissingParam is sent as d=<value>; "404" makes the provider report
	// unknown hashes as not found instead of serving a generic image.
	MissingParam string `mapstructure:"missing_param"`
}

// Resolver is immutable and safe for concurrent use.
type Resolver struct {
	base   string
	marker string
	param  string
}

// New returns a Resolver, applying defaults to empty fields.
func New(cfg Config) *Resolver {
	if cfg.FallbackBaseURL == "" {
		cfg.FallbackBaseURL = DefaultFallbackBaseURL
	}
	if cfg.ProviderMarker == "" {
		cfg.ProviderMarker = DefaultProviderMarker
	}
	if cfg.MissingParam == "" {
		cfg.MissingParam = DefaultMissingParam
	}
	return &Resolver{
		base:   strings.TrimSuffix(cfg.FallbackBaseURL, "/"),
		marker: strings.ToLower(cfg.ProviderMarker),
		param:  cfg.MissingParam,
	}
}

// Resolve returns the avatar URL for id, or false when id carries nothing usable.
func (r *Resolver) Resolve(id Identity) (string, bool) {
	switch v := id.(type) {
	case ExplicitURL:
		return r.explicit(string(v))
	case Email:
		return r.hashed(Hash(string(v)))
	case OpaqueID:
		return r.hashed(strings.TrimSpace(string(v)))
	case User:
		if u, ok := r.explicit(v.AvatarURL); ok {
			return u, true
		}
		return r.hashed(Hash(v.Email))
	default:
		return "", false
	}
}

// explicit strips the query string, which only defeats caching, unless the
// host belongs to a hash-avatar provider that needs it.
func (r *Resolver) explicit(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	i := strings.IndexByte(raw, '?')
	if i < 0 || r.isProvider(raw) {
		return raw, true
	}
	return raw[:i], true
}

func (r *Resolver) isProvider(raw string) bool {
	host := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host = u.Host
	}
	return strings.Contains(strings.ToLower(host), r.marker)
}

func (r *Resolver) hashed(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	return r.base + "/" + url.PathEscape(id) + "?d=" + url.QueryEscape(r.param), true
}

// Hash returns the provider content hash of an e-mail address: hex MD5 of the
// trimmed, lower-cased address. Blank input hashes to "".
func Hash(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	sum := md5.Sum([]byte(email))
	return hex.EncodeToString(sum[:])
}
