package psp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTransport   = errors.New("psp: transport failure")
	ErrServer      = errors.New("psp: server error")
	ErrCircuitOpen = errors.New("psp: circuit open")
)

// DefaultTimeout bounds a single PSP call.
const DefaultTimeout = 30 * time.Second

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Codes reported for attempts that never produced a PSP decision.
const (
	CodeConnectionError = "CONNECTION_ERROR"
	CodeServerError     = "PSP_SERVER_ERROR"
	CodeRequestRejected = "PSP_REQUEST_REJECTED"
)

type Request struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Simulate  json.RawMessage `json:"simulate,omitempty"`
}

// Response is a PSP decision. Status is StatusSuccess or StatusFailed.
type Response struct {
	PaymentID  string
	Status     string
	ErrorCode  string
	HTTPStatus int
}

func (r *Response) Succeeded() bool { return r != nil && r.Status == StatusSuccess }

// Gateway charges a checkout total. A nil error means the PSP decided;
// a non nil error means no decision was obtained and the call may be retried.
type Gateway interface {
	Process(ctx context.Context, req Request) (*Response, error)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrServer) || errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

// FailureCode maps a retryable error to the code reported in audit events.
func FailureCode(err error) string {
	if errors.Is(err, ErrServer) {
		return CodeServerError
	}
	return CodeConnectionError
}
