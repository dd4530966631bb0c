package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/bashlet/bashlet/internal/mount"
	"github.com/bashlet/bashlet/internal/sandbox"
)

// instancePrefix namespaces instance storage owned by sessions.
const instancePrefix = "s-"

// OwnsInstance reports whether instance storage id was derived for a
// session.
func OwnsInstance(id string) bool {
	return strings.HasPrefix(id, instancePrefix)
}

// Record is a persisted sandbox configuration. It owns no live backend;
// each run rebuilds one from these fields, so only backends with a
// persistent rootfs image keep state between runs.
type Record struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Mounts  []mount.Mount  `json:"mounts"`
	EnvVars []mount.EnvVar `json:"env_vars"`
	Workdir string         `json:"workdir"`

	// Unix epoch seconds, as in records written by earlier versions.
	CreatedAt    int64 `json:"created_at"`
	LastActivity int64 `json:"last_activity"`
	// TTLSeconds nil means the session never expires.
	TTLSeconds *int64 `json:"ttl_seconds"`

	Backend        sandbox.Kind      `json:"backend,omitempty"`
	VM             sandbox.VMOptions `json:"vm"`
	TimeoutSeconds int64             `json:"timeout_seconds,omitempty"`
}

// Expired reports whether the TTL has elapsed at now. A session with
// TTL T is still live at created_at+T.
func (r *Record) Expired(now time.Time) bool {
	if r.TTLSeconds == nil {
		return false
	}
	return now.Unix() > r.CreatedAt+*r.TTLSeconds
}

// Matches reports whether ref names this record by id or name.
func (r *Record) Matches(ref string) bool {
	return r.ID == ref || (r.Name != "" && r.Name == ref)
}

// DisplayID is the name when set, else the id.
func (r *Record) DisplayID() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// InstanceID is the instance storage id backends use for this session.
func (r *Record) InstanceID() string {
	return instancePrefix + r.ID
}

// Config rebuilds the backend configuration the record describes.
func (r *Record) Config() sandbox.Config {
	return sandbox.Config{
		Mounts:     r.Mounts,
		Env:        r.EnvVars,
		Workdir:    r.Workdir,
		Timeout:    time.Duration(r.TimeoutSeconds) * time.Second,
		Kind:       r.Backend,
		InstanceID: r.InstanceID(),
		VM:         r.VM,
	}
}

// Created returns CreatedAt as a time.
func (r *Record) Created() time.Time { return time.Unix(r.CreatedAt, 0) }

// LastActive returns LastActivity as a time.
func (r *Record) LastActive() time.Time { return time.Unix(r.LastActivity, 0) }

// ParseTTL converts "30s", "5m", "1h", "2d" or a bare number of seconds.
func ParseTTL(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errorf("empty TTL value")
	}

	mul := time.Second
	switch {
	case strings.HasSuffix(s, "s"):
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		s, mul = s[:len(s)-1], time.Minute
	case strings.HasSuffix(s, "h"):
		s, mul = s[:len(s)-1], time.Hour
	case strings.HasSuffix(s, "d"):
		s, mul = s[:len(s)-1], 24*time.Hour
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errorf("invalid TTL value %q", s)
	}
	return time.Duration(n) * mul, nil
}
