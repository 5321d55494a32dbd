package config

import (
	"os"
	"strings"
)

// EnvLookup resolves environment variables.
type EnvLookup interface {
	LookupEnv(key string) (string, bool)
}

// OSEnv reads the process environment.
type OSEnv struct{}

// LookupEnv implements EnvLookup.
func (OSEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// MapEnv is a fixed environment, mostly useful in tests.
type MapEnv map[string]string

// LookupEnv implements EnvLookup.
func (m MapEnv) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Expand replaces ${VAR} and ${VAR:default} references in raw.
//
// An unset variable without default expands to the empty string. A set but
// empty variable wins over the default. Unterminated references are kept
// verbatim. Bare $VAR is not a reference.
func Expand(raw string, env EnvLookup) string {
	if !strings.Contains(raw, "${") {
		return raw
	}
	if env == nil {
		env = MapEnv(nil)
	}

	var b strings.Builder
	b.Grow(len(raw))

	for {
		start := strings.Index(raw, "${")
		if start < 0 {
			b.WriteString(raw)
			break
		}
		end := strings.IndexByte(raw[start+2:], '}')
		if end < 0 {
			b.WriteString(raw)
			break
		}
		end += start + 2

		b.WriteString(raw[:start])

		ref := raw[start+2 : end]
		name, def, hasDefault := strings.Cut(ref, ":")
		if v, ok := env.LookupEnv(name); ok {
			b.WriteString(v)
		} else if hasDefault {
			b.WriteString(def)
		}

		raw = raw[end+1:]
	}

	return b.String()
}
