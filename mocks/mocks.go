// Package mocks contains hand-written github.com/stretchr/testify/mock mocks
// for small interfaces shared between test suites.
package mocks

import (
	"github.com/stretchr/testify/mock"
)

type Reader struct {
	mock.Mock
}

func (m *Reader) Read(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}
