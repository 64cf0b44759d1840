package validator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var ErrInvalidJSON = errors.New("invalid json")

type JSON struct {
	MaxBytes int64
	// Strict rejects fields the destination does not declare.
	Strict bool
}

func NewJSON() *JSON {
	return &JSON{MaxBytes: 1 << 20, Strict: true}
}

// Decode reads exactly one JSON value into dst. Every failure wraps
// ErrInvalidJSON.
func (v *JSON) Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, v.MaxBytes)
	defer func() { _ = body.Close() }()

	dec := json.NewDecoder(body)
	if v.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return errors.Join(ErrInvalidJSON, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.Join(ErrInvalidJSON, errors.New("trailing data after json value"))
	}
	return nil
}
