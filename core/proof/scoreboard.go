package proof

import (
	"bytes"
	"encoding/gob"
	"errors"
	"os"
	fp "path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/model"
)

var bucketStandings = []byte("standings")

var ErrInvalidAlpha = errors.New("score alpha must be in [0, 1)")

// Standing is the verifier's view of one holder. Confidence and Score are
// exponential moving averages, so a single miss lowers them gradually.
type Standing struct {
	Counterparty string
	// Confidence tracks the fraction of recent rounds that were valid.
	Confidence float64
	// Score tracks the chunks proven per round and drives reward weights.
	Score   float64
	NChunks uint64

	Valid             uint64
	Invalid           uint64
	Timeouts          uint64
	Skipped           uint64
	ConsecutiveMisses uint64

	LastOutcome    model.Outcome
	LastVerified   time.Time
	LastChallenged time.Time
}

// Scoreboard persists standings in bbolt.
type Scoreboard struct {
	db    *bbolt.DB
	alpha float64
}

func OpenScoreboard(path string, alpha float64) (*Scoreboard, error) {
	if alpha < 0 || alpha >= 1 {
		return nil, ErrInvalidAlpha
	}

	if err := os.MkdirAll(fp.Dir(path), 0700); err != nil {
		return nil, xerrors.Errorf("scoreboard: create directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("scoreboard: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStandings)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("scoreboard: create bucket: %w", err)
	}

	return &Scoreboard{db: db, alpha: alpha}, nil
}

func (s *Scoreboard) Close() error { return s.db.Close() }

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Record folds one round outcome into the holder's standing.
func (s *Scoreboard) Record(counterparty string, outcome model.Outcome, nChunks uint64, at time.Time) (Standing, error) {
	var st Standing

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStandings)
		key := []byte(counterparty)

		if data := b.Get(key); data != nil {
			if err := decodeGob(data, &st); err != nil {
				return xerrors.Errorf("decode standing %s: %w", counterparty, err)
			}
		}

		s.apply(&st, counterparty, outcome, nChunks, at)

		data, err := encodeGob(st)
		if err != nil {
			return xerrors.Errorf("encode standing %s: %w", counterparty, err)
		}
		return b.Put(key, data)
	})

	return st, err
}

func (s *Scoreboard) apply(st *Standing, counterparty string, outcome model.Outcome, nChunks uint64, at time.Time) {
	st.Counterparty = counterparty
	st.LastOutcome = outcome
	st.LastChallenged = at.UTC()

	var ok, proven float64
	switch outcome {
	case model.OutcomeValid:
		ok, proven = 1, float64(nChunks)
		st.Valid++
		st.ConsecutiveMisses = 0
		st.NChunks = nChunks
		st.LastVerified = at.UTC()
	case model.OutcomeInvalid:
		st.Invalid++
		st.ConsecutiveMisses++
	case model.OutcomeTimeout:
		st.Timeouts++
		st.ConsecutiveMisses++
	case model.OutcomeSkipped:
		// nothing was proven either way
		st.Skipped++
		return
	}

	st.Confidence = s.alpha*st.Confidence + (1-s.alpha)*ok
	st.Score = s.alpha*st.Score + (1-s.alpha)*proven
}

func (s *Scoreboard) Get(counterparty string) (Standing, bool, error) {
	var (
		st    Standing
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStandings).Get([]byte(counterparty))
		if data == nil {
			return nil
		}
		found = true
		return decodeGob(data, &st)
	})

	return st, found, err
}

// All returns every standing ordered by counterparty.
func (s *Scoreboard) All() ([]Standing, error) {
	var out []Standing

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStandings).ForEach(func(_, v []byte) error {
			var st Standing
			if err := decodeGob(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Counterparty < out[j].Counterparty })
	return out, err
}

// Weights normalizes scores to sum to one. All weights are zero when no
// holder has a positive score.
func (s *Scoreboard) Weights() (map[string]float64, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}

	var total float64
	for _, st := range all {
		total += st.Score
	}

	out := make(map[string]float64, len(all))
	for _, st := range all {
		if total > 0 {
			out[st.Counterparty] = st.Score / total
		} else {
			out[st.Counterparty] = 0
		}
	}

	return out, nil
}

// Forget removes a holder that left the stake table.
func (s *Scoreboard) Forget(counterparty string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStandings).Delete([]byte(counterparty))
	})
}
