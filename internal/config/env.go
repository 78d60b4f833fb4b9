package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// envReader reads typed values from the environment and keeps every parse
// error so Load can report them in one go. Unset optional keys yield the default.
type envReader struct {
	errs []error
}

func (e *envReader) str(key string) string { return strings.TrimSpace(os.Getenv(key)) }

// secret keeps surrounding whitespace; it may be part of the value.
func (e *envReader) secret(key string) string { return os.Getenv(key) }

func (e *envReader) fail(key, want, got string) {
	e.errs = append(e.errs, fmt.Errorf("%s must be %s, got %q", key, want, got))
}

func (e *envReader) requiredInt(key string) int {
	v := e.str(key)
	if v == "" {
		e.errs = append(e.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	return e.int(key, 0)
}

func (e *envReader) int(key string, def int) int {
	v := e.str(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "an integer", v)
		return def
	}
	return n
}

func (e *envReader) bool(key string, def bool) bool {
	v := e.str(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "a boolean", v)
		return def
	}
	return b
}

func (e *envReader) float(key string, def float64) float64 {
	v := e.str(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, "a number", v)
		return def
	}
	return f
}

// duration returns 0 when unset; Validate fills the default.
func (e *envReader) duration(key string) time.Duration {
	v := e.str(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, "a duration like 15m", v)
		return 0
	}
	return d
}

// list splits a comma separated value, lowercasing and dropping duplicates.
func (e *envReader) list(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
