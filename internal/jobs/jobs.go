package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Job represents a background job
type Job struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	NextTryAt   *time.Time      `json:"next_try_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}

// DeadLetter is a job that exhausted its attempts or could never run.
type DeadLetter struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRetry   = "retry"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Handler is the function that processes a job
type Handler func(ctx context.Context, j *Job) error

// ErrMaxAttempts indicates the job reached max attempts
var ErrMaxAttempts = errors.New("max attempts reached")

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the pool dead-letters the job without retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// BackoffDuration returns exponential backoff duration for attempt n
func BackoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}
	d := time.Duration(1<<uint(min(attempt, 16))) * time.Second
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// TypeRefresh re-synchronizes the dashboard view of one account.
const TypeRefresh = "sync.refresh"

// RefreshPayload is the payload of a TypeRefresh job. An empty account
// refreshes the anonymous view.
type RefreshPayload struct {
	Account string `json:"account"`
}

// RefreshFunc re-synchronizes the view of who.
type RefreshFunc func(ctx context.Context, who common.Address) error

// RefreshHandler adapts fn to a job handler for TypeRefresh jobs.
func RefreshHandler(fn RefreshFunc) Handler {
	return func(ctx context.Context, j *Job) error {
		var pl RefreshPayload
		if err := json.Unmarshal(j.Payload, &pl); err != nil {
			return Permanent(fmt.Errorf("decode refresh payload: %w", err))
		}
		var who common.Address
		if acct := strings.TrimSpace(pl.Account); acct != "" {
			if !common.IsHexAddress(acct) {
				return Permanent(fmt.Errorf("invalid account %q", acct))
			}
			who = common.HexToAddress(acct)
		}
		return fn(ctx, who)
	}
}
