package notify

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/repo"
	"github.com/hamed0406/safealert/internal/vault"
)

// DeliveryError is a channel response that was not a success.
type DeliveryError struct {
	Result domain.AttemptResult
	Status int
	Msg    string
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("status %d", e.Status)
	}
	return e.Msg
}

// Permanent marks err as not worth retrying.
func Permanent(msg string) error {
	return &DeliveryError{Result: domain.ResultPermanent, Msg: msg}
}

// StatusResult maps an HTTP status to an attempt result. Request timeout,
// too early, throttling and server errors are worth retrying; any other 4xx
// means the recipient or request is invalid.
func StatusResult(code int) domain.AttemptResult {
	switch {
	case code >= 200 && code < 300:
		return domain.ResultSuccess
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return domain.ResultTransient
	case code >= 400 && code < 500:
		return domain.ResultPermanent
	default:
		return domain.ResultTransient
	}
}

// Classify maps a channel error to an attempt result. Anything not known to be
// permanent (network errors, timeouts, an open breaker) is transient.
func Classify(err error) domain.AttemptResult {
	if err == nil {
		return domain.ResultSuccess
	}
	var de *DeliveryError
	switch {
	case errors.As(err, &de):
		return de.Result
	case errors.Is(err, circuitbreaker.ErrOpen):
		return domain.ResultTransient
	case errors.Is(err, vault.ErrNoChannel), errors.Is(err, vault.ErrUnseal), errors.Is(err, repo.ErrNotFound):
		return domain.ResultPermanent
	default:
		return domain.ResultTransient
	}
}

// do sends req and turns a non-2xx response into a DeliveryError.
func do(c *http.Client, req *http.Request) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if r := StatusResult(resp.StatusCode); r != domain.ResultSuccess {
		return &DeliveryError{Result: r, Status: resp.StatusCode}
	}
	return nil
}
