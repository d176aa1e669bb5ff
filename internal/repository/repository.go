// Package repository stores per-participant column data. Participants are
// addressed by short pseudonyms held in pseudonym columns.
package repository

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownPseudonym is returned when no participant holds the short pseudonym.
	ErrUnknownPseudonym = errors.New("unknown short pseudonym")
	// ErrAmbiguousPseudonym is returned when more than one participant holds it.
	ErrAmbiguousPseudonym = errors.New("short pseudonym matches more than one participant")
)

// Participant is one participant's columns keyed by the requested pseudonym column.
type Participant struct {
	ShortPseudonym string
	Columns        map[string]string
}

// Reader reads columns for all participants at once.
type Reader interface {
	Read(ctx context.Context, spColumn string, columns []string) ([]Participant, error)
}

// ExistenceChecker reports which columns hold data for one participant.
type ExistenceChecker interface {
	CheckExistence(ctx context.Context, shortPseudonym string, columns []string) (map[string]bool, error)
}

// Writer upserts one column for one participant.
type Writer interface {
	Write(ctx context.Context, shortPseudonym, column string, data []byte, ext string) error
}

// Client is the repository surface used by campaign runs.
type Client interface {
	Reader
	ExistenceChecker
	Writer
}

// Store is a Client that also supports administration.
type Store interface {
	Client
	// Put sets a column for a participant by its internal id, creating it if needed.
	Put(ctx context.Context, participantID, column, value string) error
	// Get returns all columns of a participant by its internal id.
	Get(ctx context.Context, participantID string) (map[string]string, error)
	Close() error
}

// Config selects and configures a store.
type Config struct {
	Driver           string
	Path             string
	DSN              string
	PseudonymColumns []string
}

// Open opens the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "bolt":
		return NewBoltStore(cfg.Path, cfg.PseudonymColumns)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, cfg.PseudonymColumns)
	}
	return nil, fmt.Errorf("unknown repository driver: %s", cfg.Driver)
}

func checkColumns(columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("at least one column must be provided")
	}
	return nil
}
