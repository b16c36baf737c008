package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CacheBackendConfig guards the Redis response cache; overridable with CB_CACHE_*.
func CacheBackendConfig() Config {
	return FromEnv("CB_CACHE", Config{
		FailureThreshold:  3,
		Cooldown:          15 * time.Second,
		TrialCalls:        2,
		RecoveryThreshold: 2,
	})
}

// DatabaseConfig guards report and event persistence; overridable with CB_DB_*.
func DatabaseConfig() Config {
	return FromEnv("CB_DB", Config{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		TrialCalls:        1,
		RecoveryThreshold: 2,
	})
}

// FromEnv overrides fields of def from <prefix>_FAILURE_THRESHOLD, <prefix>_COOLDOWN,
// <prefix>_TRIAL_CALLS and <prefix>_RECOVERY_THRESHOLD. Unparsable values are ignored.
func FromEnv(prefix string, def Config) Config {
	lookup := func(field string) (string, bool) {
		v, ok := os.LookupEnv(prefix + "_" + field)
		return v, ok && v != ""
	}
	count := func(field string, dst *uint32) {
		if v, ok := lookup(field); ok {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
				*dst = uint32(n)
			}
		}
	}
	count("FAILURE_THRESHOLD", &def.FailureThreshold)
	count("TRIAL_CALLS", &def.TrialCalls)
	count("RECOVERY_THRESHOLD", &def.RecoveryThreshold)
	if v, ok := lookup("COOLDOWN"); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			def.Cooldown = d
		}
	}
	return def
}
