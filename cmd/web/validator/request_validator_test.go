package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON_Decode(t *testing.T) {
	type dst struct {
		Name string `json:"name"`
	}

	var tests = []struct {
		name        string
		strict      bool
		body        string
		expectedErr error
		expected    string
	}{
		{name: "valid", strict: true, body: `{"name":"a"}`, expected: "a"},
		{name: "unknown field strict", strict: true, body: `{"name":"a","x":1}`, expectedErr: ErrInvalidJSON},
		{name: "unknown field lenient", strict: false, body: `{"name":"a","x":1}`, expected: "a"},
		{name: "trailing data", strict: true, body: `{"name":"a"}{}`, expectedErr: ErrInvalidJSON},
		{name: "broken", strict: true, body: `{"name":`, expectedErr: ErrInvalidJSON},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := NewJSON()
			v.Strict = tt.strict
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var got dst
			err := v.Decode(httptest.NewRecorder(), req, &got)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got.Name)
		})
	}
}
