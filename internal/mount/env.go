package mount

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EnvVar is a single environment entry passed into the sandbox.
type EnvVar struct {
	Key   string
	Value string
}

// ParseEnv parses "KEY=VALUE". The value may itself contain '='.
func ParseEnv(spec string) (EnvVar, error) {
	key, value, ok := strings.Cut(spec, "=")
	if !ok {
		return EnvVar{}, fmt.Errorf("invalid env var '%s': expected KEY=VALUE", spec)
	}
	e := EnvVar{Key: key, Value: value}
	if err := e.Validate(); err != nil {
		return EnvVar{}, err
	}
	return e, nil
}

// Validate rejects empty keys and keys containing '='.
func (e EnvVar) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("env var key cannot be empty")
	}
	if strings.Contains(e.Key, "=") {
		return fmt.Errorf("env var key cannot contain '=': %s", e.Key)
	}
	if strings.ContainsRune(e.Key, 0) || strings.ContainsRune(e.Value, 0) {
		return fmt.Errorf("env var %s contains a NUL byte", e.Key)
	}
	return nil
}

// String returns KEY=VALUE.
func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// MarshalJSON encodes the pair as a two element array, the layout
// session records have always used.
func (e EnvVar) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Key, e.Value})
}

// UnmarshalJSON accepts the array form and, for hand-written records,
// an object with "key" and "value".
func (e *EnvVar) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("env var must have exactly 2 elements, got %d", len(pair))
		}
		e.Key, e.Value = pair[0], pair[1]
		return nil
	}

	var obj struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid env var: %w", err)
	}
	e.Key, e.Value = obj.Key, obj.Value
	return nil
}

// Environ renders vars as KEY=VALUE strings. Later keys override earlier.
func Environ(vars []EnvVar) []string {
	seen := make(map[string]int, len(vars))
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		if i, ok := seen[v.Key]; ok {
			out[i] = v.String()
			continue
		}
		seen[v.Key] = len(out)
		out = append(out, v.String())
	}
	return out
}
