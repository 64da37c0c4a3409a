package pipeline

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/source"
	"github.com/loqalabs/loqa-narrator/internal/store"
)

var (
	// ErrNotFound means the project or its book does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the project is not in a state the stage accepts.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidInput means a source document or edited book was rejected.
	ErrInvalidInput = errors.New("invalid input")
	// ErrBusy means a stage is already running for the project.
	ErrBusy = errors.New("stage already running")
)

// classify maps lower-layer errors onto the pipeline sentinels.
func classify(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	case errors.Is(err, source.ErrUnsupportedFormat), errors.Is(err, source.ErrTooLarge):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return err
	}
}
