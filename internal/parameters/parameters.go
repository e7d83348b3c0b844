// Package parameters handles free-form configuration Params, a
// map[string]string parsed from the comma-separated key=value strings the
// binaries accept on the command line.
package parameters

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params are free-form configuration parameters: raw string values indexed by
// key, parsed on demand by GetParamOr and PopParamOr.
type Params map[string]string

// NewFromConfigString parses a comma-separated list of key or key=value
// entries, e.g. "learning_rate=1e-4,dropout_rate=0". A key without '=' maps
// to the empty string, which bool parsing interprets as true.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, entry := range strings.Split(config, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, _ := strings.Cut(entry, "=")
		params[key] = value
	}
	return params
}

// Supported are the value types parameters can be parsed into.
type Supported interface {
	bool | int | float32 | float64 | string
}

// GetParamOr parses the value under key as a T, or returns defaultValue when
// the key is absent. An empty value parses as true for bools and as the
// default for numbers.
func GetParamOr[T Supported](params Params, key string, defaultValue T) (T, error) {
	raw, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var parsed any
	var err error
	switch any(defaultValue).(type) {
	case string:
		parsed = raw
	case bool:
		if raw == "" {
			// A key given without a value means enabled.
			parsed = true
		} else {
			parsed, err = strconv.ParseBool(raw)
		}
	case int:
		if raw == "" {
			return defaultValue, nil
		}
		parsed, err = strconv.Atoi(raw)
	case float32:
		if raw == "" {
			return defaultValue, nil
		}
		var v float64
		v, err = strconv.ParseFloat(raw, 32)
		parsed = float32(v)
	case float64:
		if raw == "" {
			return defaultValue, nil
		}
		parsed, err = strconv.ParseFloat(raw, 64)
	}
	if err != nil {
		return defaultValue, errors.Wrapf(err, "failed to parse configuration %s=%q as %T",
			key, raw, defaultValue)
	}
	return parsed.(T), nil
}

// PopParamOr is GetParamOr plus removing the key from params, so that after
// every known key is popped the caller can reject whatever is left over.
func PopParamOr[T Supported](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}
