package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bashlet/bashlet/internal/mount"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound means no live session matches the reference.
	ErrNotFound = errors.New("session not found")
	// ErrNameExists means a live session already uses the name.
	ErrNameExists = errors.New("session name already exists")
	// ErrExpired means the session existed but its TTL elapsed. It is
	// also ErrNotFound.
	ErrExpired error = expiredError{}
)

type expiredError struct{}

func (expiredError) Error() string { return "session expired" }

func (expiredError) Is(target error) bool { return target == ErrNotFound }

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sandbox.ErrConfig}, args...)...)
}

// BackendFactory builds a ready backend for a configuration.
type BackendFactory interface {
	New(ctx context.Context, cfg sandbox.Config) (sandbox.Backend, error)
}

// InstanceCleaner removes instance-scoped storage.
type InstanceCleaner interface {
	CleanupInstance(id string) error
}

// Spec is what a caller supplies to create a session.
type Spec struct {
	Name    string
	Mounts  []mount.Mount
	Env     []mount.EnvVar
	Workdir string
	Backend sandbox.Kind
	VM      sandbox.VMOptions
	Timeout time.Duration
	// TTL zero means the session never expires.
	TTL time.Duration
}

// RunOptions control Run.
type RunOptions struct {
	// CreateIfMissing creates a session named after the reference from
	// Template when none is found.
	CreateIfMissing bool
	Template        Spec
}

// Options configure a Manager.
type Options struct {
	Store     *Store
	Factory   BackendFactory
	Instances InstanceCleaner
	Log       zerolog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Manager implements the session lifecycle on top of a Store.
type Manager struct {
	store     *Store
	factory   BackendFactory
	instances InstanceCleaner
	log       zerolog.Logger
	now       func() time.Time
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:     opts.Store,
		factory:   opts.Factory,
		instances: opts.Instances,
		log:       opts.Log.With().Str("component", "session").Logger(),
		now:       opts.Clock,
	}
}

// Store returns the underlying record store.
func (m *Manager) Store() *Store { return m.store }

// Create validates spec and persists a new session with a random
// 128-bit id.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Record, error) {
	kind, err := sandbox.ParseKind(string(spec.Backend))
	if err != nil {
		return nil, err
	}
	if spec.TTL < 0 || spec.Timeout < 0 {
		return nil, errorf("ttl and timeout cannot be negative")
	}

	now := m.now()
	rec := &Record{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(spec.Name),
		Mounts:         spec.Mounts,
		EnvVars:        spec.Env,
		Workdir:        spec.Workdir,
		CreatedAt:      now.Unix(),
		LastActivity:   now.Unix(),
		Backend:        kind,
		VM:             spec.VM,
		TimeoutSeconds: int64(spec.Timeout / time.Second),
	}
	if rec.Mounts == nil {
		rec.Mounts = []mount.Mount{}
	}
	if rec.EnvVars == nil {
		rec.EnvVars = []mount.EnvVar{}
	}
	if spec.TTL > 0 {
		ttl := int64(spec.TTL / time.Second)
		rec.TTLSeconds = &ttl
	}
	if err := rec.Config().Validate(); err != nil {
		return nil, err
	}

	lock, err := m.store.lockCreate(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	if rec.Name != "" {
		existing, err := m.findByName(rec.Name, now)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s", ErrNameExists, rec.Name)
		}
	}

	if err := m.store.Save(rec); err != nil {
		return nil, err
	}
	m.log.Info().Str("id", rec.ID).Str("name", rec.Name).Msg("session created")
	return rec, nil
}

// Get loads a live session by id, then by name. An expired session is
// deleted on access and reported as ErrExpired.
func (m *Manager) Get(ctx context.Context, ref string) (*Record, error) {
	now := m.now()
	if validID(ref) == nil {
		rec, err := m.store.Load(ref)
		switch {
		case err == nil:
			if rec.Expired(now) {
				m.purge(rec)
				return nil, fmt.Errorf("%w: %s", ErrExpired, ref)
			}
			return rec, nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return m.findByName(ref, now)
}

// findByName returns the live session using name, purging expired ones
// that share it.
func (m *Manager) findByName(name string, now time.Time) (*Record, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, err
	}
	var live *Record
	expired := false
	for _, rec := range records {
		if rec.Name != name {
			continue
		}
		if rec.Expired(now) {
			m.purge(rec)
			expired = true
			continue
		}
		if live == nil {
			live = rec
		}
	}
	switch {
	case live != nil:
		return live, nil
	case expired:
		return nil, fmt.Errorf("%w: %s", ErrExpired, name)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
}

// Run executes command against the session ref on a backend rebuilt
// from the record. Runs against one session are serialized across
// processes. A shutdown failure is returned alongside the result.
func (m *Manager) Run(ctx context.Context, ref, command string, opts RunOptions) (*sandbox.CommandResult, error) {
	rec, err := m.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) && opts.CreateIfMissing {
		spec := opts.Template
		spec.Name = ref
		rec, err = m.Create(ctx, spec)
		if errors.Is(err, ErrNameExists) {
			rec, err = m.Get(ctx, ref)
		}
	}
	if err != nil {
		return nil, err
	}

	lock, err := m.store.Lock(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	// Reload under the lock; a terminate may have won the race.
	rec, err = m.store.Load(rec.ID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if rec.Expired(now) {
		m.purge(rec)
		return nil, fmt.Errorf("%w: %s", ErrExpired, ref)
	}

	log := m.log.With().Str("id", rec.ID).Logger()
	backend, err := m.factory.New(ctx, rec.Config())
	if err != nil {
		return nil, err
	}
	log.Debug().Str("backend", backend.Name()).Msg("running command")

	res, err := backend.Execute(ctx, command)

	// Only a command that reached the backend counts as activity.
	rec.LastActivity = m.now().Unix()
	if serr := m.store.Save(rec); serr != nil {
		log.Warn().Err(serr).Msg("recording activity failed")
		err = errors.Join(err, serr)
	}

	if serr := backend.Shutdown(context.WithoutCancel(ctx)); serr != nil {
		log.Warn().Err(serr).Msg("backend shutdown failed")
		err = errors.Join(err, serr)
	}
	return res, err
}

// List returns live sessions, newest first. Expired ones are purged.
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, err
	}
	now := m.now()
	live := make([]*Record, 0, len(records))
	for _, rec := range records {
		if rec.Expired(now) {
			m.purge(rec)
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

// Terminate deletes the session and any instance storage derived for
// it. A caller-owned rootfs image is never touched. It waits for a run
// in progress to finish.
func (m *Manager) Terminate(ctx context.Context, ref string) error {
	rec, err := m.Get(ctx, ref)
	if err != nil {
		return err
	}

	lock, err := m.store.Lock(ctx, rec.ID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	var errs []error
	if err := m.store.Delete(rec.ID); err != nil {
		errs = append(errs, err)
	}
	if err := m.cleanupInstance(rec); err != nil {
		errs = append(errs, err)
	}
	m.log.Info().Str("id", rec.ID).Msg("session terminated")
	return errors.Join(errs...)
}

// CleanupExpired purges every expired session and reports how many.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	records, err := m.store.List()
	if err != nil {
		return 0, err
	}
	now := m.now()
	n := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if rec.Expired(now) {
			m.purge(rec)
			n++
		}
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("cleaned up expired sessions")
	}
	return n, nil
}

// KeepInstance reports whether instance storage id still belongs to a
// live or running session. Storage not owned by a session is never kept.
func (m *Manager) KeepInstance(id string) bool {
	sid, ok := strings.CutPrefix(id, instancePrefix)
	if !ok {
		return false
	}
	if m.store.Busy(sid) {
		return true
	}
	rec, err := m.store.Load(sid)
	return err == nil && !rec.Expired(m.now())
}

func (m *Manager) purge(rec *Record) {
	log := m.log.With().Str("id", rec.ID).Logger()
	if err := m.store.Delete(rec.ID); err != nil {
		log.Warn().Err(err).Msg("failed to delete expired session")
		return
	}
	if err := m.cleanupInstance(rec); err != nil {
		log.Warn().Err(err).Msg("failed to clean expired session storage")
	}
	log.Debug().Msg("expired session removed")
}

func (m *Manager) cleanupInstance(rec *Record) error {
	if m.instances == nil {
		return nil
	}
	return m.instances.CleanupInstance(rec.InstanceID())
}
