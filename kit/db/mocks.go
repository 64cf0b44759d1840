package db

import (
	"context"
	"errors"
	"reflect"

	"github.com/stretchr/testify/mock"
)

type ClientMock struct {
	mock.Mock
	Client
}

func (m *ClientMock) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	ret := m.Called(ctx, query, args)
	return ret.Get(0).(int64), ret.Error(1)
}

func (m *ClientMock) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	ret := m.Called(ctx, query, args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(Row), ret.Error(1)
}

func (m *ClientMock) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	ret := m.Called(ctx, query, args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(Rows), ret.Error(1)
}

// InTx records the call and, unless an error is configured, runs fn with
// the mock itself as the transaction client.
func (m *ClientMock) InTx(ctx context.Context, fn func(tx Client) error) error {
	ret := m.Called(ctx)
	if err := ret.Error(0); err != nil {
		return err
	}
	return fn(m)
}

type RowMock struct {
	mock.Mock
	Row
}

func (m *RowMock) Scan(dest ...any) error {
	ret := m.Called(dest)
	return ret.Error(0)
}

// RowsMock iterates over a fixed set of rows. Each entry of Values is
// copied into the Scan destinations in order.
type RowsMock struct {
	Values  [][]any
	ScanErr error
	IterErr error
	pos     int
	closed  bool
}

func (m *RowsMock) Next() bool {
	if m.pos >= len(m.Values) {
		return false
	}
	m.pos++
	return true
}

func (m *RowsMock) Scan(dest ...any) error {
	if m.ScanErr != nil {
		return m.ScanErr
	}
	return assign(dest, m.Values[m.pos-1])
}

func (m *RowsMock) Err() error   { return m.IterErr }
func (m *RowsMock) Close() error { m.closed = true; return nil }
func (m *RowsMock) Closed() bool { return m.closed }

func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return errors.Join(ErrInternal, errors.New("scan arg mismatch"))
	}
	for i := range dest {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Ptr || dv.IsNil() {
			return errors.Join(ErrInternal, errors.New("unsupported scan type"))
		}
		ev := dv.Elem()
		v := reflect.ValueOf(vals[i])
		if !v.IsValid() {
			ev.Set(reflect.Zero(ev.Type()))
			continue
		}
		if !v.Type().ConvertibleTo(ev.Type()) {
			return errors.Join(ErrInternal, errors.New("unsupported scan type"))
		}
		ev.Set(v.Convert(ev.Type()))
	}
	return nil
}
