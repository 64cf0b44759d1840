package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"payflow/internal/simulate"
)

var ErrMalformed = errors.New("events: malformed message")

const (
	ExecutionQueue = "payment-execution"
	ResultsQueue   = "payment-results"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// ExecutionMessage asks the executor to charge a checkout total.
type ExecutionMessage struct {
	CheckoutID     string          `json:"checkout_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	CreditCardInfo map[string]any  `json:"credit_card_info"`
	Simulate       simulate.Config `json:"simulate"`
}

// Name is the queue the message travels on.
func (ExecutionMessage) Name() string { return ExecutionQueue }

// OrderOutcome overrides the aggregate result for a single payment order.
type OrderOutcome struct {
	Status    string  `json:"status"`
	ErrorCode *string `json:"error_code,omitempty"`
}

// ResultMessage carries the PSP decision for a checkout to settlement.
type ResultMessage struct {
	CheckoutID    string                  `json:"checkout_id"`
	Status        string                  `json:"status"`
	ErrorCode     *string                 `json:"error_code"`
	Simulate      simulate.Config         `json:"simulate"`
	OrderOutcomes map[string]OrderOutcome `json:"order_outcomes,omitempty"`
}

func (ResultMessage) Name() string { return ResultsQueue }

// Code returns the error code or "" when absent.
func (m ResultMessage) Code() string {
	if m.ErrorCode == nil {
		return ""
	}
	return *m.ErrorCode
}

// StringPtr returns nil for "" so optional codes encode as null.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rawExecution struct {
	CheckoutID     string           `json:"checkout_id"`
	TotalAmount    *json.RawMessage `json:"total_amount"`
	Currency       string           `json:"currency"`
	CreditCardInfo *map[string]any  `json:"credit_card_info"`
	Simulate       *simulate.Config `json:"simulate"`
}

// DecodeExecution parses and checks an execution message body.
func DecodeExecution(body []byte) (ExecutionMessage, error) {
	var raw rawExecution
	if err := decode(body, &raw); err != nil {
		return ExecutionMessage{}, err
	}

	var problems []string
	if strings.TrimSpace(raw.CheckoutID) == "" {
		problems = append(problems, "checkout_id is required")
	}
	amount, err := decodeAmount(raw.TotalAmount)
	if err != nil {
		problems = append(problems, "total_amount: "+err.Error())
	}
	if strings.TrimSpace(raw.Currency) == "" {
		problems = append(problems, "currency is required")
	}
	if raw.CreditCardInfo == nil {
		problems = append(problems, "credit_card_info is required")
	}
	if len(problems) > 0 {
		return ExecutionMessage{}, malformed(problems)
	}

	msg := ExecutionMessage{
		CheckoutID:     raw.CheckoutID,
		TotalAmount:    amount,
		Currency:       raw.Currency,
		CreditCardInfo: *raw.CreditCardInfo,
	}
	if raw.Simulate != nil {
		msg.Simulate = *raw.Simulate
	}
	return msg, nil
}

type rawResult struct {
	CheckoutID    string                  `json:"checkout_id"`
	Status        string                  `json:"status"`
	ErrorCode     *string                 `json:"error_code"`
	Simulate      *simulate.Config        `json:"simulate"`
	OrderOutcomes map[string]OrderOutcome `json:"order_outcomes"`
}

// DecodeResult parses and checks a result message body.
func DecodeResult(body []byte) (ResultMessage, error) {
	var raw rawResult
	if err := decode(body, &raw); err != nil {
		return ResultMessage{}, err
	}

	var problems []string
	if strings.TrimSpace(raw.CheckoutID) == "" {
		problems = append(problems, "checkout_id is required")
	}
	if !validStatus(raw.Status) {
		problems = append(problems, fmt.Sprintf("unknown status %q", raw.Status))
	}
	for id, o := range raw.OrderOutcomes {
		if !validStatus(o.Status) {
			problems = append(problems, fmt.Sprintf("order_outcomes.%s: unknown status %q", id, o.Status))
		}
	}
	if len(problems) > 0 {
		return ResultMessage{}, malformed(problems)
	}

	msg := ResultMessage{
		CheckoutID:    raw.CheckoutID,
		Status:        raw.Status,
		ErrorCode:     raw.ErrorCode,
		OrderOutcomes: raw.OrderOutcomes,
	}
	if raw.Simulate != nil {
		msg.Simulate = *raw.Simulate
	}
	return msg, nil
}

func validStatus(s string) bool { return s == StatusSuccess || s == StatusFailed }

func decode(body []byte, v any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errors.Join(ErrMalformed, errors.New("empty body"))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

// decodeAmount accepts a JSON string or number holding a non-negative decimal.
func decodeAmount(raw *json.RawMessage) (decimal.Decimal, error) {
	if raw == nil || string(*raw) == "null" {
		return decimal.Zero, errors.New("is required")
	}
	s := strings.Trim(string(*raw), `"`)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must be non-negative")
	}
	return d, nil
}

func malformed(problems []string) error {
	return errors.Join(ErrMalformed, errors.New(strings.Join(problems, "; ")))
}
