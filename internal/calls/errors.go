package calls

import (
	"errors"
	"fmt"
	"strings"

	"voice-orchestrator/internal/billing"

	"github.com/shopspring/decimal"
)

var (
	ErrNoTrunksAvailable = errors.New("no trunks assigned")
	ErrOriginationFailed = errors.New("origination failed on all trunks")
	ErrDuplicateSession  = errors.New("session already exists")
	ErrSessionEnded      = errors.New("session already ended")
	ErrBillingFailed     = errors.New("billing failed")
	ErrSessionNotFound   = errors.New("call not found")
	ErrConcurrencyLimit  = errors.New("concurrent call limit reached")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNoActiveRecording = errors.New("no active recording")
)

// OriginationError is returned when every trunk in the failover sequence failed.
type OriginationError struct {
	AttemptedTrunks []string
	TotalTrunks     int
	Err             error
}

func (e *OriginationError) Error() string {
	return fmt.Sprintf("origination failed after %d/%d trunks (%s): %v",
		len(e.AttemptedTrunks), e.TotalTrunks, strings.Join(e.AttemptedTrunks, ","), e.Err)
}

func (e *OriginationError) Is(target error) bool { return target == ErrOriginationFailed }

func (e *OriginationError) Unwrap() error { return e.Err }

// CreditsError rejects an origination for an account without a positive balance.
type CreditsError struct {
	Credits decimal.Decimal
}

func (e *CreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %s", e.Credits.String())
}

func (e *CreditsError) Is(target error) bool { return target == billing.ErrInsufficientCredits }
