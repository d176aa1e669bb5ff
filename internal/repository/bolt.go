package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketParticipants = []byte("participants")
	bucketPseudonyms   = []byte("pseudonyms")
)

type storedColumn struct {
	Value     []byte    `json:"value"`
	Extension string    `json:"ext,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type storedParticipant struct {
	Columns map[string]storedColumn `json:"columns"`
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db               *bolt.DB
	pseudonymColumns []string
}

// NewBoltStore opens or creates a BoltDB store
func NewBoltStore(path string, pseudonymColumns []string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketParticipants, bucketPseudonyms} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, pseudonymColumns: pseudonymColumns}, nil
}

// Read returns every participant that has a value in spColumn, sorted by pseudonym
func (s *BoltStore) Read(ctx context.Context, spColumn string, columns []string) ([]Participant, error) {
	var out []Participant

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketParticipants).ForEach(func(k, v []byte) error {
			var p storedParticipant
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to unmarshal participant %s: %w", k, err)
			}
			sp, ok := p.Columns[spColumn]
			if !ok || len(sp.Value) == 0 {
				return nil
			}

			cols := make(map[string]string, len(columns))
			for _, c := range columns {
				if col, ok := p.Columns[c]; ok {
					cols[c] = string(col.Value)
				}
			}
			out = append(out, Participant{ShortPseudonym: string(sp.Value), Columns: cols})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ShortPseudonym < out[j].ShortPseudonym })
	return out, nil
}

// CheckExistence reports which columns hold data. An unknown pseudonym has no data.
func (s *BoltStore) CheckExistence(ctx context.Context, shortPseudonym string, columns []string) (map[string]bool, error) {
	if err := checkColumns(columns); err != nil {
		return nil, err
	}

	result := make(map[string]bool, len(columns))
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPseudonyms).Get([]byte(shortPseudonym))
		if id == nil {
			return nil
		}
		p, err := loadParticipant(tx, id)
		if err != nil {
			return err
		}
		for _, c := range columns {
			_, result[c] = p.Columns[c]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range columns {
		if _, ok := result[c]; !ok {
			result[c] = false
		}
	}
	return result, nil
}

// Write upserts a column for the participant holding shortPseudonym
func (s *BoltStore) Write(ctx context.Context, shortPseudonym, column string, data []byte, ext string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPseudonyms).Get([]byte(shortPseudonym))
		if id == nil {
			return fmt.Errorf("%w: %s", ErrUnknownPseudonym, shortPseudonym)
		}
		return s.putColumn(tx, string(id), column, data, ext)
	})
}

// Put sets a column by participant id, creating the participant if needed
func (s *BoltStore) Put(ctx context.Context, participantID, column, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putColumn(tx, participantID, column, []byte(value), "")
	})
}

// Get returns a participant's columns by id
func (s *BoltStore) Get(ctx context.Context, participantID string) (map[string]string, error) {
	var out map[string]string
	err := s.db.View(func(tx *bolt.Tx) error {
		p, err := loadParticipant(tx, []byte(participantID))
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		out = make(map[string]string, len(p.Columns))
		for name, col := range p.Columns {
			out[name] = string(col.Value)
		}
		return nil
	})
	return out, err
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) putColumn(tx *bolt.Tx, participantID, column string, data []byte, ext string) error {
	p, err := loadParticipant(tx, []byte(participantID))
	if err != nil {
		return err
	}
	if p == nil {
		p = &storedParticipant{}
	}
	if p.Columns == nil {
		p.Columns = make(map[string]storedColumn)
	}

	if slices.Contains(s.pseudonymColumns, column) {
		index := tx.Bucket(bucketPseudonyms)
		if len(data) > 0 {
			if existing := index.Get(data); existing != nil && string(existing) != participantID {
				return fmt.Errorf("%w: %s", ErrAmbiguousPseudonym, data)
			}
		}
		if old, ok := p.Columns[column]; ok && len(old.Value) > 0 {
			if err := index.Delete(old.Value); err != nil {
				return fmt.Errorf("failed to remove pseudonym index: %w", err)
			}
		}
		if len(data) > 0 {
			if err := index.Put(data, []byte(participantID)); err != nil {
				return fmt.Errorf("failed to index pseudonym: %w", err)
			}
		}
	}

	p.Columns[column] = storedColumn{Value: data, Extension: ext, UpdatedAt: time.Now()}
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	if err := tx.Bucket(bucketParticipants).Put([]byte(participantID), encoded); err != nil {
		return fmt.Errorf("failed to store participant: %w", err)
	}
	return nil
}

func loadParticipant(tx *bolt.Tx, id []byte) (*storedParticipant, error) {
	data := tx.Bucket(bucketParticipants).Get(id)
	if data == nil {
		return nil, nil
	}
	var p storedParticipant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant %s: %w", id, err)
	}
	return &p, nil
}
