package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Brain holds everything bound to one project scope. Stores open lazily and
// stay open until Close.
type Brain struct {
	Scope  Scope
	Config *Config
	VCS    VersionControl
	Log    zerolog.Logger

	mu       sync.Mutex
	code     *SQLiteStore
	local    *SQLiteStore
	entities *EntityStore
	shared   *SharedMemory
	now      func() time.Time
}

// OpenBrain loads the scope's configuration. The scope must be initialized.
func OpenBrain(scope Scope, log zerolog.Logger) (*Brain, error) {
	if !scope.Initialized() {
		return nil, fmt.Errorf("%w: %s (run `twin-mind init`)", ErrNotInitialized, scope.Path)
	}
	cfg, err := LoadConfig(scope)
	if err != nil {
		return nil, err
	}
	return NewBrain(scope, cfg, OpenVersionControl(scope.Path), log), nil
}

func NewBrain(scope Scope, cfg *Config, vcs VersionControl, log zerolog.Logger) *Brain {
	return &Brain{
		Scope:  scope,
		Config: cfg,
		VCS:    vcs,
		Log:    log,
		shared: NewSharedMemory(scope, cfg, log),
		now:    time.Now,
	}
}

// CodeStore opens the code store, creating it if needed.
func (b *Brain) CodeStore() (*SQLiteStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return openStore(&b.code, b.Scope.CodeStorePath(), true)
}

// ExistingCodeStore opens the code store only if its file exists.
func (b *Brain) ExistingCodeStore() (*SQLiteStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return openStore(&b.code, b.Scope.CodeStorePath(), false)
}

func (b *Brain) LocalStore() (*SQLiteStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return openStore(&b.local, b.Scope.MemoryStorePath(), true)
}

func (b *Brain) ExistingLocalStore() (*SQLiteStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return openStore(&b.local, b.Scope.MemoryStorePath(), false)
}

func openStore(slot **SQLiteStore, path string, create bool) (*SQLiteStore, error) {
	if *slot != nil {
		return *slot, nil
	}
	if !create && !fileExists(path) {
		return nil, nil
	}
	s, err := OpenSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	*slot = s
	return s, nil
}

// Entities opens the entity store. It returns nil when entities are
// disabled, or when create is false and nothing was extracted yet.
func (b *Brain) Entities(create bool) (*EntityStore, error) {
	if !b.Config.Entities.Enabled {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entities != nil {
		return b.entities, nil
	}
	if !create && !fileExists(b.Scope.EntityStorePath()) {
		return nil, nil
	}
	s, err := OpenEntityStore(b.Scope.EntityStorePath())
	if err != nil {
		return nil, err
	}
	b.entities = s
	return s, nil
}

func (b *Brain) Shared() *SharedMemory {
	return b.shared
}

func (b *Brain) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, s := range []*SQLiteStore{b.code, b.local} {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.entities.Close(); err != nil {
		errs = append(errs, err)
	}
	b.code, b.local, b.entities = nil, nil, nil
	return errors.Join(errs...)
}

// Pipeline wires the state tracker, enumerator and, unless dryRun, the
// entity extractor.
func (b *Brain) Pipeline(dryRun bool) (*Pipeline, error) {
	enum, err := NewEnumerator(b.Scope.Path, b.Config)
	if err != nil {
		return nil, err
	}
	tracker := NewStateTracker(b.Scope, b.VCS, enum, b.Log)

	var entities EntityIndexer
	if !dryRun {
		es, err := b.Entities(true)
		if err != nil {
			b.Log.Warn().Err(err).Msg("entity store unavailable")
		} else if es != nil {
			entities = es
		}
	}
	return NewPipeline(b.Scope, b.Config, tracker, entities, b.Log), nil
}

func (b *Brain) Router() (*MemoryRouter, error) {
	local, err := b.LocalStore()
	if err != nil {
		return nil, err
	}
	return NewMemoryRouter(b.Config, local, local.Path(), b.shared, b.VCS, b.Log), nil
}

func (b *Brain) PruneEngine() (*PruneEngine, error) {
	local, err := b.LocalStore()
	if err != nil {
		return nil, err
	}
	return NewPruneEngine(b.Config, local, local.Path(), b.shared, b.Log), nil
}

// Searcher never creates stores; missing ones are skipped.
func (b *Brain) Searcher() (*SearchAggregator, error) {
	var code, local ContentStore
	s, err := b.ExistingCodeStore()
	if err != nil {
		return nil, err
	}
	if s != nil {
		code = s
	}
	s, err = b.ExistingLocalStore()
	if err != nil {
		return nil, err
	}
	if s != nil {
		local = s
	}
	entities, err := b.Entities(false)
	if err != nil {
		b.Log.Warn().Err(err).Msg("entity store unavailable")
		entities = nil
	}
	state := func() (*IndexState, error) { return LoadIndexState(b.Scope) }
	return NewSearchAggregator(b.Config, code, local, b.shared, entities, state, b.VCS, b.Log), nil
}

func (b *Brain) Auditor() (*MaintenanceAuditor, error) {
	code, err := b.ExistingCodeStore()
	if err != nil {
		return nil, err
	}
	local, err := b.ExistingLocalStore()
	if err != nil {
		return nil, err
	}
	entities, err := b.Entities(false)
	if err != nil {
		b.Log.Warn().Err(err).Msg("entity store unavailable")
		entities = nil
	}
	return NewMaintenanceAuditor(b.Scope, b.Config, code, local, entities, b.shared, b.VCS, b.Log), nil
}

// ResetCode backs up and removes the code store, its index state and the
// entity store. The next index run starts from scratch.
func (b *Brain) ResetCode(ctx context.Context) ([]string, error) {
	path := b.Scope.CodeStorePath()
	lock, err := AcquireStoreLock(ctx, path, b.Config.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	var backups []string
	store, err := b.ExistingCodeStore()
	if err != nil {
		return nil, err
	}
	if store != nil {
		backup := BackupPath(path, b.now())
		if err := store.Backup(ctx, backup); err != nil {
			return nil, err
		}
		backups = append(backups, backup)
	}

	b.mu.Lock()
	b.code.Close()
	b.entities.Close()
	b.code, b.entities = nil, nil
	b.mu.Unlock()

	for _, p := range []string{path, b.Scope.StatePath(), b.Scope.EntityStorePath()} {
		if err := removeStoreFiles(p); err != nil {
			return backups, err
		}
	}
	b.Log.Info().Str("path", path).Msg("code store reset")
	return backups, nil
}

// ResetMemory backs up and recreates the local memory store, leaving a
// system entry that points at the backup.
func (b *Brain) ResetMemory(ctx context.Context) ([]string, error) {
	path := b.Scope.MemoryStorePath()
	lock, err := AcquireStoreLock(ctx, path, b.Config.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	now := b.now()
	var backups []string
	store, err := b.ExistingLocalStore()
	if err != nil {
		return nil, err
	}
	if store != nil {
		backup := BackupPath(path, now)
		if err := store.Backup(ctx, backup); err != nil {
			return nil, err
		}
		backups = append(backups, backup)
	}

	b.mu.Lock()
	b.local.Close()
	b.local = nil
	b.mu.Unlock()
	if err := removeStoreFiles(path); err != nil {
		return backups, err
	}

	fresh, err := b.LocalStore()
	if err != nil {
		return backups, err
	}
	msg := "memory store reset"
	if len(backups) > 0 {
		msg += "; previous contents in " + b.Scope.Rel(backups[0])
	}
	if err := WriteSystemEntry(ctx, fresh, "reset", msg, now); err != nil {
		return backups, err
	}
	b.Log.Info().Str("path", path).Msg("memory store reset")
	return backups, nil
}

func removeStoreFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Recent merges local and shared entries newest first. n <= 0 returns all.
func (b *Brain) Recent(ctx context.Context, n int) ([]MemoryEntry, error) {
	var entries []MemoryEntry

	local, err := b.ExistingLocalStore()
	if err != nil {
		return nil, err
	}
	if local != nil {
		all, err := LocalEntries(ctx, local, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range all {
			if !e.System {
				entries = append(entries, e)
			}
		}
	}

	snap, err := b.shared.Log().Read()
	if err != nil {
		return nil, err
	}
	for _, l := range snap.Effective() {
		entries = append(entries, MemoryEntry{
			ID:          l.ID,
			Timestamp:   l.Timestamp,
			Message:     l.Message,
			Tag:         l.Tag,
			Author:      l.Author,
			Destination: DestinationShared,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}
