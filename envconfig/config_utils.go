// Generic environment-variable accessor constructors, and the AsMap/Values
// export of every configuration knob for diagnostics dumps.
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault returns a function reading a bool-typed env var, falling
// back to the caller-supplied default when unset. A set value that does
// not parse as a bool counts as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function reading a bool-typed env var, default false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a function reading a string-typed env var.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a function reading a uint-typed env var with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a function reading a uint64-typed env var with a default.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar pairs an environment variable's name and current value with a
// human-readable description, for diagnostics dumps.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration knob this package exposes, keyed by
// env var name.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SLOTD_DEBUG":              {"SLOTD_DEBUG", LogLevel(), "Show additional debug information (e.g. SLOTD_DEBUG=1)"},
		"SLOTD_FLASH_ATTENTION":    {"SLOTD_FLASH_ATTENTION", FlashAttention(false), "Enable flash attention in the runtime collaborator"},
		"SLOTD_KV_CACHE_TYPE":      {"SLOTD_KV_CACHE_TYPE", KvCacheType(), "Quantization type for the K/V cache (default f16)"},
		"SLOTD_MULTIUSER_CACHE":    {"SLOTD_MULTIUSER_CACHE", MultiUserCache(), "Optimize prompt-prefix caching across tenants"},
		"SLOTD_CONTEXT_LENGTH":     {"SLOTD_CONTEXT_LENGTH", ContextLength(), "Default per-slot context window"},
		"SLOTD_NUM_PARALLEL":       {"SLOTD_NUM_PARALLEL", NumSlots(), "Default execution slot pool size"},
		"SLOTD_MAX_QUEUE":          {"SLOTD_MAX_QUEUE", MaxQueue(), "Maximum number of queued requests"},
		"SLOTD_GPU_OVERHEAD":       {"SLOTD_GPU_OVERHEAD", GpuOverhead(), "Reserve a portion of VRAM per GPU (bytes)"},
		"SLOTD_HOST":               {"SLOTD_HOST", Host(), "Address for the optional debug HTTP surface"},
		"SLOTD_ORIGINS":            {"SLOTD_ORIGINS", AllowedOrigins(), "A comma separated list of allowed CORS origins"},
	}
}

// Values returns every configuration value as a string map, for logging.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
