package stake

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("stake")

var (
	ErrDuplicatePeer = errors.New("duplicate peer in stake table")
	ErrEmptyPeerID   = errors.New("peer id must not be empty")
)

// Provider supplies stake table snapshots. Implementations are read only.
type Provider interface {
	Snapshot(ctx context.Context) (model.StakeSnapshot, error)
}

// Watcher additionally notifies when the table changes.
type Watcher interface {
	Provider
	Watch(ctx context.Context) <-chan model.StakeSnapshot
}

// Static serves a fixed table.
type Static struct {
	mu   sync.RWMutex
	snap model.StakeSnapshot
}

var _ Provider = (*Static)(nil)

func NewStatic(weights map[string]uint64) *Static {
	return &Static{snap: model.NewStakeSnapshot(weights)}
}

func (s *Static) Snapshot(context.Context) (model.StakeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copySnapshot(s.snap), nil
}

// Set replaces the table.
func (s *Static) Set(weights map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = model.NewStakeSnapshot(weights)
}

func copySnapshot(s model.StakeSnapshot) model.StakeSnapshot {
	entries := make(map[string]model.StakeEntry, len(s.Entries))
	for k, v := range s.Entries {
		entries[k] = v
	}

	return model.StakeSnapshot{Entries: entries, TakenAt: s.TakenAt}
}

// tableFile is the on-disk stake table:
//
//	[[peer]]
//	id = "validator-1"
//	weight = 300
//	address = "10.0.0.7:7070"
type tableFile struct {
	Peers []struct {
		ID      string `toml:"id"`
		Weight  uint64 `toml:"weight"`
		Address string `toml:"address"`
	} `toml:"peer"`
}

// FileProvider reads the stake table from a TOML file and polls it for
// changes.
type FileProvider struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	modTime time.Time
	snap    model.StakeSnapshot
}

var _ Watcher = (*FileProvider)(nil)

func NewFileProvider(path string, interval time.Duration) *FileProvider {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &FileProvider{path: path, interval: interval}
}

func LoadFile(path string) (model.StakeSnapshot, error) {
	var tf tableFile
	if _, err := toml.DecodeFile(path, &tf); err != nil {
		return model.StakeSnapshot{}, xerrors.Errorf("decode stake table %s: %w", path, err)
	}

	entries := make(map[string]model.StakeEntry, len(tf.Peers))
	for _, p := range tf.Peers {
		if p.ID == "" {
			return model.StakeSnapshot{}, ErrEmptyPeerID
		}
		if _, ok := entries[p.ID]; ok {
			return model.StakeSnapshot{}, xerrors.Errorf("%s: %w", p.ID, ErrDuplicatePeer)
		}
		entries[p.ID] = model.StakeEntry{Weight: p.Weight, Address: p.Address}
	}

	snap := model.StakeSnapshot{Entries: entries, TakenAt: time.Now()}
	if _, err := snap.CheckedTotalWeight(); err != nil {
		return model.StakeSnapshot{}, xerrors.Errorf("stake table %s: %w", path, err)
	}

	return snap, nil
}

// Snapshot rereads the file when it changed since the last read.
func (f *FileProvider) Snapshot(context.Context) (model.StakeSnapshot, error) {
	snap, _, err := f.refresh()
	return snap, err
}

func (f *FileProvider) refresh() (model.StakeSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, err := os.Stat(f.path)
	if err != nil {
		return model.StakeSnapshot{}, false, xerrors.Errorf("stat stake table: %w", err)
	}

	if f.snap.Entries != nil && fi.ModTime().Equal(f.modTime) {
		return copySnapshot(f.snap), false, nil
	}

	snap, err := LoadFile(f.path)
	if err != nil {
		return model.StakeSnapshot{}, false, err
	}

	f.snap = snap
	f.modTime = fi.ModTime()
	log.Infow("stake", "status", "loaded", "path", f.path, "peers", len(snap.Entries), "total_weight", snap.TotalWeight())

	return copySnapshot(snap), true, nil
}

// Watch polls the file and emits a snapshot after every change. The channel
// closes when ctx is done.
func (f *FileProvider) Watch(ctx context.Context) <-chan model.StakeSnapshot {
	ch := make(chan model.StakeSnapshot, 1)

	go func() {
		defer close(ch)

		t := time.NewTicker(f.interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				snap, changed, err := f.refresh()
				if err != nil {
					log.Errorw("stake", "status", "refresh failed", "error", err)
					continue
				}
				if !changed {
					continue
				}

				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}
