package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// fileExt is the suffix every chain's checkpoint document carries, per the
// external interface contract: "<chain_id>.checkpoint".
const fileExt = ".checkpoint"

const readRetries = 5
const readRetryDelay = 15 * time.Millisecond

// Mirror is the optional best-effort relational sink a Store writes every
// mutation to in addition to the checkpoint file. checkpoint/sqlmirror
// implements this against modernc.org/sqlite; nil disables mirroring.
type Mirror interface {
	ChainCreated(c *Chain) error
	RoundAppended(chainID string, r Round) error
	RoundUpdated(chainID string, r Round) error
	ChainStateChanged(c *Chain) error
}

// Store is a directory of one YAML checkpoint document per chain, replaced
// atomically (write-temp, rename) on every mutation. It is the single
// source of truth across independently scheduled handler invocations; the
// optional Mirror is never consulted to answer a Load.
type Store struct {
	Dir    string
	Mirror Mirror
}

// NewStore returns a Store rooted at dir, creating dir if it does not exist.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: create store dir %s", dir)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(chainID string) string {
	return filepath.Join(s.Dir, chainID+fileExt)
}

// Create persists a brand-new chain. It fails if a checkpoint for this
// chain id already exists — chain ids are meant to be unique, and silently
// overwriting one would destroy an in-flight chain's history.
func (s *Store) Create(c *Chain) error {
	if _, err := os.Stat(s.path(c.ID)); err == nil {
		return errors.Errorf("checkpoint: chain %s already exists", c.ID)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if err := s.write(c); err != nil {
		return err
	}
	s.mirror(func() error { return s.Mirror.ChainCreated(c) })
	return nil
}

// Load reads and parses the chain's checkpoint, retrying a bounded number of
// times on parse failure to tolerate a writer replacing the file mid-read.
func (s *Store) Load(chainID string) (*Chain, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		data, err := os.ReadFile(s.path(chainID))
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint: read chain %s", chainID)
		}
		var c Chain
		if err := yaml.Unmarshal(data, &c); err != nil {
			lastErr = err
			time.Sleep(readRetryDelay)
			continue
		}
		return &c, nil
	}
	return nil, errors.Wrapf(lastErr, "checkpoint: chain %s did not parse after %d attempts", chainID, readRetries)
}

// LoadPreservedArgs returns exactly the argument vector supplied at chain
// creation. Handlers MUST source script arguments this way, never from the
// process environment, so that whitespace and quoting survive every retry.
func (s *Store) LoadPreservedArgs(chainID string) ([]string, error) {
	c, err := s.Load(chainID)
	if err != nil {
		return nil, err
	}
	return c.Args, nil
}

// AppendRound adds a new round to the chain in a single read-modify-write,
// atomically replacing the checkpoint. Per the ordering guarantee in §5, the
// caller must have already persisted the prior round's terminal state
// before calling this for the next round.
func (s *Store) AppendRound(chainID string, r Round) error {
	c, err := s.Load(chainID)
	if err != nil {
		return err
	}
	if existing := c.RoundByNumber(r.Number); existing != nil {
		return errors.Errorf("checkpoint: chain %s already has round %d", chainID, r.Number)
	}
	c.Rounds = append(c.Rounds, r)
	c.UpdatedAt = time.Now()
	if err := s.write(c); err != nil {
		return err
	}
	s.mirror(func() error { return s.Mirror.RoundAppended(chainID, r) })
	return nil
}

// RoundUpdate is a sparse patch applied to one round by UpdateRound. Nil
// fields are left unchanged.
type RoundUpdate struct {
	State        *RoundState
	Counts       *RoundCounts
	JobIDs       []string
	HandlerJobID *string
	WatcherJobID *string
	Tasks        []TaskRecord
}

// UpdateRound applies a sparse patch to one round, then atomically rewrites
// the checkpoint. Task records are appended (never mutated) per round's
// lifecycle invariant.
func (s *Store) UpdateRound(chainID string, roundNumber int, u RoundUpdate) error {
	c, err := s.Load(chainID)
	if err != nil {
		return err
	}
	r := c.RoundByNumber(roundNumber)
	if r == nil {
		return errors.Errorf("checkpoint: chain %s has no round %d", chainID, roundNumber)
	}
	if u.State != nil {
		r.State = *u.State
	}
	if u.Counts != nil {
		r.Counts = *u.Counts
	}
	if u.JobIDs != nil {
		r.JobIDs = u.JobIDs
	}
	if u.HandlerJobID != nil {
		r.HandlerJobID = *u.HandlerJobID
	}
	if u.WatcherJobID != nil {
		r.WatcherJobID = *u.WatcherJobID
	}
	if u.Tasks != nil {
		r.Tasks = append(r.Tasks, u.Tasks...)
	}
	c.UpdatedAt = time.Now()
	if err := s.write(c); err != nil {
		return err
	}
	s.mirror(func() error { return s.Mirror.RoundUpdated(chainID, *r) })
	return nil
}

// MarkCompleted transitions the chain to COMPLETED. completedCount is
// recorded only for the caller's logging convenience; the authoritative
// per-round counts already live on each Round.
func (s *Store) MarkCompleted(chainID string, completedCount int) error {
	return s.markTerminal(chainID, func(c *Chain) {
		c.State = ChainCompleted
		log.WithFields(log.Fields{"chain": chainID, "completed": completedCount}).Info("checkpoint: chain completed")
	})
}

// MarkFailed transitions the chain to a terminal failure state, recording a
// human-readable reason and, for FAILED_AT_MAX, the residual indices that
// could not be escalated further (split by which bucket they came from).
func (s *Store) MarkFailed(chainID string, state ChainState, reason string, residualOOM, residualTimeout []int) error {
	if state != ChainFailedAtMax && state != ChainFailedNotRetried {
		return errors.Errorf("checkpoint: MarkFailed called with non-failure state %s", state)
	}
	residual := append(append([]int{}, residualOOM...), residualTimeout...)
	sort.Ints(residual)
	return s.markTerminal(chainID, func(c *Chain) {
		c.State = state
		c.FailureReason = reason
		c.ResidualIndices = residual
		c.ResidualOOM = residualOOM
		c.ResidualTimeout = residualTimeout
	})
}

func (s *Store) markTerminal(chainID string, apply func(*Chain)) error {
	c, err := s.Load(chainID)
	if err != nil {
		return err
	}
	if c.State.Terminal() {
		return errors.Errorf("checkpoint: chain %s already in terminal state %s", chainID, c.State)
	}
	apply(c)
	c.UpdatedAt = time.Now()
	if err := s.write(c); err != nil {
		return err
	}
	s.mirror(func() error { return s.Mirror.ChainStateChanged(c) })
	return nil
}

// ListAll scans the store directory and returns a cheap summary of every
// chain, sorted by chain id (which sorts chronologically: the id is
// timestamp-prefixed).
func (s *Store) ListAll() ([]ChainSummary, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint: list store dir %s", s.Dir)
	}
	var out []ChainSummary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		chainID := strings.TrimSuffix(e.Name(), fileExt)
		c, err := s.Load(chainID)
		if err != nil {
			log.WithError(err).WithField("chain", chainID).Warn("checkpoint: skipping unreadable checkpoint in ListAll")
			continue
		}
		summary := ChainSummary{
			ID:        c.ID,
			Script:    c.Script,
			State:     c.State,
			CreatedAt: c.CreatedAt,
			NumRounds: len(c.Rounds),
		}
		if n := len(c.Rounds); n > 0 {
			summary.LastRound = c.Rounds[n-1].State
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// write marshals c to YAML and atomically replaces the chain's checkpoint
// file: write to a sibling temp file, fsync-close it, then rename over the
// final path so a reader never observes a partially written document.
func (s *Store) write(c *Chain) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrapf(err, "checkpoint: marshal chain %s", c.ID)
	}
	final := s.path(c.ID)
	tmp, err := os.CreateTemp(s.Dir, fmt.Sprintf(".%s.tmp.*", c.ID))
	if err != nil {
		return errors.Wrapf(err, "checkpoint: create temp file for chain %s", c.ID)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "checkpoint: write temp file for chain %s", c.ID)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "checkpoint: sync temp file for chain %s", c.ID)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "checkpoint: close temp file for chain %s", c.ID)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return errors.Wrapf(err, "checkpoint: rename into place for chain %s", c.ID)
	}
	return nil
}

// mirror runs a best-effort write to the optional relational sink. Failures
// are logged and swallowed: the checkpoint is authoritative, and the
// mirror must never abort control flow.
func (s *Store) mirror(write func() error) {
	if s.Mirror == nil {
		return
	}
	if err := write(); err != nil {
		log.WithError(err).Warn("checkpoint: sql mirror write failed, continuing")
	}
}
