package reqflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CacheMode selects how a cached value is served.
type CacheMode int

const (
	// ModeFresh serves the cached value instead of sending while it is valid.
	ModeFresh CacheMode = iota
	// ModePlaceholder shows the cached value at once but still sends.
	ModePlaceholder
)

func (m CacheMode) String() string {
	switch m {
	case ModeFresh:
		return "fresh"
	case ModePlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

func parseCacheMode(s string) (CacheMode, error) {
	switch s {
	case "fresh", "":
		return ModeFresh, nil
	case "placeholder":
		return ModePlaceholder, nil
	default:
		return ModeFresh, fmt.Errorf("unknown cache mode %q", s)
	}
}

// CachePolicy describes how a method's response is cached. The zero value
// disables caching.
type CachePolicy struct {
	Mode    CacheMode
	TTL     time.Duration
	Forever bool
	Persist bool
	Tag     string
}

// NoCache disables caching.
func NoCache() CachePolicy {
	return CachePolicy{}
}

// CacheFor caches a fresh value in memory for ttl.
func CacheFor(ttl time.Duration) CachePolicy {
	return CachePolicy{Mode: ModeFresh, TTL: ttl}
}

// CacheForever caches a fresh value in memory until invalidated.
func CacheForever() CachePolicy {
	return CachePolicy{Mode: ModeFresh, Forever: true}
}

// Placeholder caches a value that is shown immediately while a new request
// is sent in the background.
func Placeholder(ttl time.Duration) CachePolicy {
	return CachePolicy{Mode: ModePlaceholder, TTL: ttl}
}

// Persistent returns p with durable persistence enabled.
func (p CachePolicy) Persistent() CachePolicy {
	p.Persist = true
	return p
}

// WithTag returns p with the given version tag. Durable entries written
// under a different tag are discarded on read.
func (p CachePolicy) WithTag(tag string) CachePolicy {
	p.Tag = tag
	return p
}

// Enabled reports whether the policy stores anything.
func (p CachePolicy) Enabled() bool {
	return p.Forever || p.TTL > 0
}

// expireAt returns the absolute expiry for a value stored at now. The zero
// time means the entry never expires.
func (p CachePolicy) expireAt(now time.Time) time.Time {
	if p.Forever {
		return time.Time{}
	}
	return now.Add(p.TTL)
}

func (p CachePolicy) String() string {
	if !p.Enabled() {
		return "no-store"
	}
	var parts []string
	if p.Forever {
		parts = append(parts, "immutable")
	} else {
		parts = append(parts, "max-age="+strconv.FormatFloat(p.TTL.Seconds(), 'f', -1, 64))
	}
	if p.Mode == ModePlaceholder {
		parts = append(parts, "stale-while-revalidate")
	}
	if p.Persist {
		parts = append(parts, "persist")
	}
	if p.Tag != "" {
		parts = append(parts, "tag="+p.Tag)
	}
	return strings.Join(parts, ", ")
}

// ParseCachePolicy parses a Cache-Control style directive list such as
// "max-age=300, persist, tag=v2". Recognised directives are max-age (seconds
// or a Go duration), immutable, stale-while-revalidate, persist, tag, no-store
// and no-cache. String and ParseCachePolicy round-trip.
func ParseCachePolicy(directives string) (CachePolicy, error) {
	var p CachePolicy
	if strings.TrimSpace(directives) == "" {
		return p, nil
	}

	for _, part := range strings.Split(directives, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if key, value, ok := strings.Cut(part, "="); ok {
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.Trim(strings.TrimSpace(value), "\"")

			switch key {
			case "max-age":
				ttl, err := parseTTL(value)
				if err != nil {
					return CachePolicy{}, configError(fmt.Sprintf("invalid max-age %q", value), err)
				}
				p.TTL = ttl
			case "stale-while-revalidate":
				p.Mode = ModePlaceholder
			case "tag":
				p.Tag = value
			case "mode":
				mode, err := parseCacheMode(value)
				if err != nil {
					return CachePolicy{}, configError("invalid cache mode", err)
				}
				p.Mode = mode
			default:
				return CachePolicy{}, configError(fmt.Sprintf("unknown cache directive %q", key), nil)
			}
			continue
		}

		switch strings.ToLower(part) {
		case "no-store", "no-cache":
			return NoCache(), nil
		case "immutable":
			p.Forever = true
		case "stale-while-revalidate":
			p.Mode = ModePlaceholder
		case "persist":
			p.Persist = true
		default:
			return CachePolicy{}, configError(fmt.Sprintf("unknown cache directive %q", part), nil)
		}
	}

	return p, nil
}

func parseTTL(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("negative ttl")
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative ttl")
	}
	return d, nil
}
