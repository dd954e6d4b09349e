package logging

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger is a mock implementation of the Logger interface
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

// SetupDefaultExpectations sets up common logger mock expectations that
// accept any arguments. Useful for tests that don't assert on logging.
func (m *MockLogger) SetupDefaultExpectations() {
	m.On("Debug", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Info", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Warn", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Error", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Fatal", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Debugf", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Infof", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Warnf", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Errorf", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Fatalf", mock.Anything, mock.Anything).Maybe().Return()
	m.On("With", mock.Anything).Maybe().Return(m)
}

func (m *MockLogger) Debug(msg string, tags ...any) { m.Called(msg, tags) }
func (m *MockLogger) Info(msg string, tags ...any)  { m.Called(msg, tags) }
func (m *MockLogger) Warn(msg string, tags ...any)  { m.Called(msg, tags) }
func (m *MockLogger) Error(msg string, tags ...any) { m.Called(msg, tags) }
func (m *MockLogger) Fatal(msg string, tags ...any) { m.Called(msg, tags) }

func (m *MockLogger) Debugf(template string, args ...interface{}) { m.Called(template, args) }
func (m *MockLogger) Infof(template string, args ...interface{})  { m.Called(template, args) }
func (m *MockLogger) Warnf(template string, args ...interface{})  { m.Called(template, args) }
func (m *MockLogger) Errorf(template string, args ...interface{}) { m.Called(template, args) }
func (m *MockLogger) Fatalf(template string, args ...interface{}) { m.Called(template, args) }

func (m *MockLogger) With(tags ...any) Logger {
	args := m.Called(tags)
	if logger, ok := args.Get(0).(Logger); ok {
		return logger
	}
	return m
}

// NoopLogger discards everything. Handy where a test needs a real Logger
// without mock bookkeeping.
type NoopLogger struct{}

var _ Logger = (*NoopLogger)(nil)

func (NoopLogger) Debug(msg string, tags ...any)                {}
func (NoopLogger) Info(msg string, tags ...any)                 {}
func (NoopLogger) Warn(msg string, tags ...any)                 {}
func (NoopLogger) Error(msg string, tags ...any)                {}
func (NoopLogger) Fatal(msg string, tags ...any)                {}
func (NoopLogger) Debugf(template string, args ...interface{})  {}
func (NoopLogger) Infof(template string, args ...interface{})   {}
func (NoopLogger) Warnf(template string, args ...interface{})   {}
func (NoopLogger) Errorf(template string, args ...interface{})  {}
func (NoopLogger) Fatalf(template string, args ...interface{})  {}
func (n NoopLogger) With(tags ...any) Logger                    { return n }
