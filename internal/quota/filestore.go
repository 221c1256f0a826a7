package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "github.com/wapuda/tg-fetcher/internal/logs"
)

// FileStore keeps quota.json (user id -> RFC3339 timestamps) and
// whitelist.json (user ids) in one directory. Every read-modify-write
// cycle holds an advisory lock file, so several processes may share it.
// The mutex covers goroutines of this process: a flock handle that is
// already held reports success to a second locker.
type FileStore struct {
	mu         sync.Mutex
	dir        string
	lock       *flock.Flock
	retryDelay time.Duration
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("quota: create %s: %w", dir, err)
	}
	return &FileStore{
		dir:        dir,
		lock:       flock.New(filepath.Join(dir, "quota.lock")),
		retryDelay: 20 * time.Millisecond,
	}, nil
}

func (s *FileStore) quotaPath() string     { return filepath.Join(s.dir, "quota.json") }
func (s *FileStore) whitelistPath() string { return filepath.Join(s.dir, "whitelist.json") }

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.lock.TryLockContext(ctx, s.retryDelay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreLocked, err)
	}
	if !ok {
		return ErrStoreLocked
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *FileStore) Update(ctx context.Context, userID int64, fn UpdateFunc) error {
	return s.withLock(ctx, func() error {
		all := map[string][]string{}
		if err := readJSON(s.quotaPath(), &all); err != nil {
			return err
		}
		key := strconv.FormatInt(userID, 10)
		stamps := decodeStamps(ctx, userID, all[key])

		next, changed := fn(stamps)
		if !changed {
			return nil
		}
		if len(next) == 0 {
			delete(all, key)
		} else {
			encoded := make([]string, len(next))
			for i, ts := range next {
				encoded[i] = ts.UTC().Format(time.RFC3339Nano)
			}
			all[key] = encoded
		}
		return writeFileAtomic(s.quotaPath(), all)
	})
}

func (s *FileStore) Whitelisted(ctx context.Context, userID int64) (bool, error) {
	var found bool
	err := s.withLock(ctx, func() error {
		ids, err := s.readWhitelist()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == userID {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

func (s *FileStore) AddWhitelist(ctx context.Context, userID int64) error {
	return s.editWhitelist(ctx, func(set map[int64]bool) { set[userID] = true })
}

func (s *FileStore) RemoveWhitelist(ctx context.Context, userID int64) error {
	return s.editWhitelist(ctx, func(set map[int64]bool) { delete(set, userID) })
}

func (s *FileStore) Whitelist(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.withLock(ctx, func() error {
		var err error
		ids, err = s.readWhitelist()
		return err
	})
	return ids, err
}

func (s *FileStore) editWhitelist(ctx context.Context, edit func(map[int64]bool)) error {
	return s.withLock(ctx, func() error {
		ids, err := s.readWhitelist()
		if err != nil {
			return err
		}
		set := make(map[int64]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		edit(set)
		out := make([]int64, 0, len(set))
		for id := range set {
			out = append(out, id)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return writeFileAtomic(s.whitelistPath(), out)
	})
}

func (s *FileStore) readWhitelist() ([]int64, error) {
	var ids []int64
	if err := readJSON(s.whitelistPath(), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// readJSON leaves v untouched when the file does not exist yet.
// decodeStamps parses stored timestamps. Unparseable entries are logged and
// dropped; the next write removes them from the record.
func decodeStamps(ctx context.Context, userID int64, encoded []string) []time.Time {
	stamps := make([]time.Time, 0, len(encoded))
	for _, raw := range encoded {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			l := logx.FromCtx(ctx)
			l.Warn().Err(err).Int64("quota_user", userID).Str("raw", raw).Msg("unreadable quota timestamp dropped")
			continue
		}
		stamps = append(stamps, ts.UTC())
	}
	return stamps
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("quota: read %s: %w", path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("quota: decode %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes JSON to a temp file then renames it into place.
func writeFileAtomic(dest string, v any) error {
	tmp := dest + ".tmp"
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("quota: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, dest)
}
