package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiy/narrative-memory/internal/embeddings"
	"github.com/xiy/narrative-memory/internal/store"
)

var (
	ErrInvalidEmbeddingDimension = errors.New("invalid embedding dimension")
	ErrInvalidEmbedding          = errors.New("embedding must be finite and non-zero")
	ErrInvalidImportance         = errors.New("base importance must be in [0,1]")
	ErrNotFound                  = store.ErrNotFound
	ErrRetired                   = errors.New("memory is retired")
	ErrEmbeddingUnavailable      = embeddings.ErrUnavailable
	ErrTimeout                   = errors.New("deadline exceeded")
	ErrIndexCorruption           = errors.New("vector index diverged from store")
	ErrIndexUnavailable          = errors.New("vector index unavailable")
	ErrNotCandidate              = errors.New("memory is not a pending retirement candidate")
)

// IsRetryable reports whether err is transient and the same call may succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrIndexUnavailable)
}

// deadline maps a context failure to ErrTimeout and passes other errors through.
func deadline(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
