package timing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"openai-emulator/internal/models"
)

const (
	HeaderFirstToken   = "X-TTFT-MS"
	HeaderInterToken   = "X-ITL-MS"
	HeaderOutputLength = "X-OUTPUT-LENGTH"
)

// ErrInvalidHeader is returned when a pacing header is malformed.
var ErrInvalidHeader = errors.New("invalid timing header")

const maxDelayMS = float64(math.MaxInt64 / int64(time.Millisecond))

// Defaults holds the values used when a pacing header is absent.
type Defaults struct {
	FirstTokenMS float64
	InterTokenMS float64
	OutputLength int
}

// DefaultDefaults mirrors the reference service: 100ms, 50ms, 20 tokens.
func DefaultDefaults() Defaults {
	return Defaults{
		FirstTokenMS: 100,
		InterTokenMS: 50,
		OutputLength: 20,
	}
}

// Derive reads pacing headers. Negative, non-numeric and non-finite values
// are rejected rather than clamped.
func (d Defaults) Derive(h http.Header) (models.TimingParams, error) {
	ttft, err := millisHeader(h, HeaderFirstToken, d.FirstTokenMS)
	if err != nil {
		return models.TimingParams{}, err
	}
	itl, err := millisHeader(h, HeaderInterToken, d.InterTokenMS)
	if err != nil {
		return models.TimingParams{}, err
	}
	length, err := intHeader(h, HeaderOutputLength, d.OutputLength)
	if err != nil {
		return models.TimingParams{}, err
	}

	return models.TimingParams{
		FirstTokenDelay:    ttft,
		InterTokenDelay:    itl,
		TargetOutputTokens: length,
	}, nil
}

func millisHeader(h http.Header, name string, fallback float64) (time.Duration, error) {
	ms := fallback
	if values := h.Values(name); len(values) > 0 {
		raw := strings.TrimSpace(values[0])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number of milliseconds, got %q", ErrInvalidHeader, name, values[0])
		}
		ms = v
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidHeader, name)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidHeader, name, ms)
	}
	if ms > maxDelayMS {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidHeader, name)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func intHeader(h http.Header, name string, fallback int) (int, error) {
	n := fallback
	if values := h.Values(name); len(values) > 0 {
		v, err := strconv.Atoi(strings.TrimSpace(values[0]))
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidHeader, name, values[0])
		}
		n = v
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidHeader, name, n)
	}
	return n, nil
}

// Pause suspends until d elapses or ctx is done. The goroutine parks on a
// timer rather than sleeping, so cancellation is observed immediately.
func Pause(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
