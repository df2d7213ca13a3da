package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxcd/kudu/pkg/env"
	"github.com/fluxcd/kudu/pkg/fileutil"
	"github.com/fluxcd/kudu/pkg/git"
	"github.com/fluxcd/kudu/pkg/lock"
)

const (
	attemptPrefix = "attempt-"
	attemptSuffix = ".json"
	// LogFile is the name of the log kept for each changeset.
	LogFile = "log.json"
	// ActiveFile records the id of the live deployment.
	ActiveFile = "active"

	defaultStatusLockTimeout = 10 * time.Second
)

// Store keeps status records, one file per attempt, under the
// deployments directory. Changes are made holding the status lock.
type Store struct {
	env         env.Environment
	lock        *lock.Lock
	LockTimeout time.Duration
	now         func() time.Time
}

func NewStore(e env.Environment) *Store {
	return &Store{
		env:         e,
		lock:        lock.New(lock.Status, e.LockFile(lock.Status)),
		LockTimeout: defaultStatusLockTimeout,
		now:         time.Now,
	}
}

func (s *Store) recordPath(id string, attempt int) string {
	return filepath.Join(s.env.DeploymentPath(id), fmt.Sprintf("%s%04d%s", attemptPrefix, attempt, attemptSuffix))
}

// LogPath is where the log for a changeset is written.
func (s *Store) LogPath(id string) string {
	return filepath.Join(s.env.DeploymentPath(id), LogFile)
}

func (s *Store) attempts(id string) ([]int, error) {
	infos, err := ioutil.ReadDir(s.env.DeploymentPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var attempts []int
	for _, info := range infos {
		name := info.Name()
		if !strings.HasPrefix(name, attemptPrefix) || !strings.HasSuffix(name, attemptSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, attemptPrefix), attemptSuffix))
		if err != nil {
			continue
		}
		attempts = append(attempts, n)
	}
	sort.Ints(attempts)
	return attempts, nil
}

func (s *Store) read(id string, attempt int) (*Record, error) {
	bytes, err := ioutil.ReadFile(s.recordPath(id, attempt))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(bytes, &rec); err != nil {
		return nil, errors.Wrapf(err, "parsing status of %s attempt %d", id, attempt)
	}
	return &rec, nil
}

func (s *Store) write(rec *Record) error {
	bytes, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrapf(fileutil.WriteFile(s.recordPath(rec.ID, rec.Attempt), bytes), "writing status of %s", rec.ID)
}

// Latest returns the most recent attempt for the changeset, or nil if
// there's never been one.
func (s *Store) Latest(id string) (*Record, error) {
	attempts, err := s.attempts(id)
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return s.read(id, attempts[len(attempts)-1])
}

// Attempts returns every attempt for the changeset, oldest first.
func (s *Store) Attempts(id string) ([]*Record, error) {
	attempts, err := s.attempts(id)
	if err != nil {
		return nil, err
	}
	var records []*Record
	for _, n := range attempts {
		rec, err := s.read(id, n)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// List returns the latest attempt for each changeset, most recently
// received first.
func (s *Store) List() ([]*Record, error) {
	infos, err := ioutil.ReadDir(s.env.DeploymentsPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []*Record
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		rec, err := s.Latest(info.Name())
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ReceivedTime.After(records[j].ReceivedTime)
	})
	return records, nil
}

// Begin starts a run for the changeset. If the latest attempt for it
// hasn't finished, that's the one this run carries on; otherwise a
// new Pending attempt is made, and earlier ones are left as they were.
func (s *Store) Begin(ctx context.Context, cs *git.ChangeSet, deployer string) (*Record, error) {
	var rec *Record
	err := s.lock.Acquire(ctx, "begin "+cs.ID, s.LockTimeout, func() error {
		latest, err := s.Latest(cs.ID)
		if err != nil {
			return err
		}
		if latest != nil && !latest.Status.Terminal() {
			rec = latest
			return nil
		}
		attempt := 1
		if latest != nil {
			attempt = latest.Attempt + 1
		}
		rec = &Record{
			ID:           cs.ID,
			Attempt:      attempt,
			Status:       Pending,
			StatusText:   "Received",
			Author:       cs.AuthorName,
			AuthorEmail:  cs.AuthorEmail,
			Deployer:     deployer,
			Message:      cs.Message,
			ReceivedTime: s.now().UTC(),
			LogPath:      s.LogPath(cs.ID),
			IsTemporary:  true,
			Phases:       []Status{Pending},
		}
		return s.write(rec)
	})
	return rec, err
}

// Transition moves the record to the status given, applying update to
// it on the way, and writes it out before returning. rec is updated to
// what was written.
func (s *Store) Transition(ctx context.Context, rec *Record, to Status, update func(*Record)) error {
	return s.lock.Acquire(ctx, string(to)+" "+rec.ID, s.LockTimeout, func() error {
		current, err := s.read(rec.ID, rec.Attempt)
		if err != nil {
			return errors.Wrapf(err, "reading status of %s", rec.ID)
		}
		if !current.Status.CanMoveTo(to) {
			return fmt.Errorf("deployment %s cannot go from %s to %s", rec.ID, current.Status, to)
		}
		now := s.now().UTC()
		if current.Status != to {
			current.Phases = append(current.Phases, to)
		}
		current.Status = to
		switch {
		case to == Building:
			current.IsTemporary = false
			if current.StartTime.IsZero() {
				current.StartTime = now
			}
		case to.Terminal():
			current.IsTemporary = false
			current.Complete = true
			current.EndTime = now
			if current.StartTime.IsZero() {
				current.StartTime = now
			}
		}
		if update != nil {
			update(current)
		}
		if err := s.write(current); err != nil {
			return err
		}
		*rec = *current
		return nil
	})
}

// PruneTemporary removes records that never got as far as building,
// left behind by runs that died, for changesets other than keep.
func (s *Store) PruneTemporary(ctx context.Context, keep string) ([]string, error) {
	var pruned []string
	err := s.lock.Acquire(ctx, "prune", s.LockTimeout, func() error {
		infos, err := ioutil.ReadDir(s.env.DeploymentsPath)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, info := range infos {
			id := info.Name()
			if !info.IsDir() || id == keep {
				continue
			}
			latest, err := s.Latest(id)
			if err != nil || latest == nil || !latest.IsTemporary || latest.Status.Terminal() {
				continue
			}
			if err := os.Remove(s.recordPath(id, latest.Attempt)); err != nil {
				return err
			}
			if remaining, _ := s.attempts(id); len(remaining) == 0 {
				os.RemoveAll(s.env.DeploymentPath(id))
			}
			pruned = append(pruned, id)
		}
		return nil
	})
	return pruned, err
}

// Active is the id of the live deployment, if there is one.
func (s *Store) Active() (string, error) {
	bytes, err := ioutil.ReadFile(filepath.Join(s.env.DeploymentsPath, ActiveFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	return strings.TrimSpace(string(bytes)), err
}
