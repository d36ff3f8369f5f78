package retrieval

import (
	"errors"
	"fmt"

	"github.com/pharos-kms/pharos/backend/pkg/store"
)

// ErrInvalidParameter marks a retrieval request that cannot run at all:
// malformed strategy, negative top_k or max_hops, negative source weight.
// It is surfaced immediately and never retried.
var ErrInvalidParameter = errors.New("invalid retrieval parameter")

// ErrAllSourcesFailed marks a request where every signal source and the
// graph traversal failed or timed out. It is distinct from an empty result,
// which is a valid success.
var ErrAllSourcesFailed = errors.New("all retrieval sources failed")

// IsNotFound reports whether err wraps a store.NotFoundError. Inside the
// pipeline a not-found record is recovered locally: the affected item is
// skipped with a warning and processing continues.
func IsNotFound(err error) bool {
	return store.IsNotFound(err)
}

func invalidParam(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}
