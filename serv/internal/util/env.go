package util

import (
	"strings"

	"github.com/spf13/viper"
)

// SetKeyValue applies one environment variable to a viper instance. The
// prefix is stripped and the remaining underscores become key separators,
// so PGMUX_CACHE_SWEEP_EVERY lands on cache.sweep_every when that key is
// known, falling back to the flat form otherwise.
func SetKeyValue(vi *viper.Viper, env, value, prefix string) {
	key := strings.ToLower(strings.TrimPrefix(env, prefix))
	if key == "" {
		return
	}

	flat := key
	if vi.IsSet(flat) {
		vi.Set(flat, value)
		return
	}

	// try progressively deeper nesting: a_b_c -> a.b_c, a_b.c, a.b.c
	parts := strings.Split(key, "_")
	for i := 1; i < len(parts); i++ {
		nested := strings.Join(parts[:i], "_") + "." + strings.Join(parts[i:], "_")
		if vi.IsSet(nested) {
			vi.Set(nested, value)
			return
		}
	}
	vi.Set(flat, value)
}
