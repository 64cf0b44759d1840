package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPClient talks to a PSP exposing POST {baseURL}/process.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ Gateway = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type processBody struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
}

func (c *HTTPClient) Process(ctx context.Context, req Request) (*Response, error) {
	if c.baseURL == "" {
		return nil, errors.Join(ErrTransport, errors.New("psp url not configured"))
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", bytes.NewReader(b))
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		slog.Warn("psp call failed", "layer", "gateway", "component", "psp", "method", "Process", "payment_id", req.PaymentID, "error", err)
		return nil, errors.Join(ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		slog.Warn("psp server error", "layer", "gateway", "component", "psp", "method", "Process", "payment_id", req.PaymentID, "status", resp.StatusCode)
		return nil, errors.Join(ErrServer, fmt.Errorf("psp returned %d", resp.StatusCode))
	}

	var body processBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil && resp.StatusCode < http.StatusBadRequest {
			return nil, errors.Join(ErrTransport, fmt.Errorf("decode psp response: %w", err))
		}
	}

	out := &Response{PaymentID: body.PaymentID, HTTPStatus: resp.StatusCode}
	if out.PaymentID == "" {
		out.PaymentID = req.PaymentID
	}
	switch {
	case resp.StatusCode >= http.StatusBadRequest:
		// The PSP refused the request itself, resending it cannot help.
		out.Status = StatusFailed
		out.ErrorCode = body.ErrorCode
		if out.ErrorCode == "" {
			out.ErrorCode = CodeRequestRejected
		}
		slog.Warn("psp rejected request", "layer", "gateway", "component", "psp", "method", "Process", "payment_id", req.PaymentID, "status", resp.StatusCode, "error", body.Error)
	case body.Status == "success":
		out.Status = StatusSuccess
	default:
		out.Status = StatusFailed
		out.ErrorCode = body.ErrorCode
	}
	return out, nil
}
