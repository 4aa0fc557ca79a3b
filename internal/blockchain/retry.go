package blockchain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tonkeeper/tonapi-go"
)

const rateLimitPause = 500 * time.Millisecond

type Func[T any] func() (T, error)

// rateLimitRetry repeats fn while tonapi answers 429, until ctx is done.
func rateLimitRetry[T any](ctx context.Context, fn Func[T]) (T, error) {
	for {
		result, err := fn()
		if err != nil && isStatus(err, http.StatusTooManyRequests) {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(rateLimitPause):
			}
			continue
		}

		return result, err
	}
}

func isStatus(err error, code int) bool {
	var e *tonapi.ErrorStatusCode
	return errors.As(err, &e) && e.StatusCode == code
}
