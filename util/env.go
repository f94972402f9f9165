package util

import (
	"strconv"
	"time"
)

// Getenv is the lookup function env helpers read through, usually
// os.Getenv; tests substitute a map.
type Getenv func(key string) string

func EnvString(getenv Getenv, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func EnvInt(getenv Getenv, key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvBool(getenv Getenv, key string, def bool) bool {
	v := getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvDurationMs reads a millisecond-count variable.
func EnvDurationMs(getenv Getenv, key string, def time.Duration) time.Duration {
	v := getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
