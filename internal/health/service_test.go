package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pingerStub struct{ err error }

func (p pingerStub) Ping(ctx context.Context) error { return p.err }

type breakerStub string

func (b breakerStub) State() string { return string(b) }

func TestHealthService_Check(t *testing.T) {
	// given:
	var tests = []struct {
		name        string
		service     func() *Service
		expectedOK  bool
		expected    map[string]string
		sleep       time.Duration
		expectCache bool
	}{
		{
			name: "caches within ttl",
			service: func() *Service {
				return NewService(50*time.Millisecond, map[string]CheckFunc{
					"dep": func(ctx context.Context) error { return nil },
				})
			},
			expectedOK:  true,
			expected:    map[string]string{"dep": "ok"},
			sleep:       60 * time.Millisecond,
			expectCache: true,
		},
		{
			name: "reports failure",
			service: func() *Service {
				return NewService(0, map[string]CheckFunc{
					"dep": func(ctx context.Context) error { return errors.New("boom") },
				})
			},
			expectedOK: false,
			expected:   map[string]string{"dep": "boom"},
		},
		{
			name: "store and closed breaker",
			service: func() *Service {
				return NewService(0, map[string]CheckFunc{
					"store": PingCheck(pingerStub{}, time.Second),
					"psp":   BreakerCheck(breakerStub("closed")),
				})
			},
			expectedOK: true,
			expected:   map[string]string{"store": "ok", "psp": "ok"},
		},
		{
			name: "store down and open breaker",
			service: func() *Service {
				return NewService(0, map[string]CheckFunc{
					"store": PingCheck(pingerStub{err: errors.New("database is locked")}, time.Second),
					"psp":   BreakerCheck(breakerStub("open")),
				})
			},
			expectedOK: false,
			expected:   map[string]string{"store": "database is locked", "psp": "circuit open"},
		},
		{
			name: "half open breaker is healthy",
			service: func() *Service {
				return NewService(0, map[string]CheckFunc{"psp": BreakerCheck(breakerStub("half_open"))})
			},
			expectedOK: true,
			expected:   map[string]string{"psp": "ok"},
		},
		{
			name: "nil check",
			service: func() *Service {
				return NewService(0, map[string]CheckFunc{"dep": nil})
			},
			expectedOK: false,
			expected:   map[string]string{"dep": "invalid check"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := tt.service()

			res1 := svc.Check(context.Background())
			res2 := svc.Check(context.Background())

			require.Equal(t, tt.expectedOK, res1.OK)
			require.Equal(t, tt.expectedOK, res2.OK)
			require.Equal(t, tt.expected, res1.Checks)

			if tt.expectCache {
				// within ttl, At should be the same
				require.Equal(t, res1.At, res2.At)

				time.Sleep(tt.sleep)
				res3 := svc.Check(context.Background())
				require.NotEqual(t, res2.At, res3.At)
			}
		})
	}
}
