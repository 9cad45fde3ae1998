package firewall

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCommandRunner is a testify mock of CommandRunner.
// Expectations are keyed on the command name followed by each argument.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Exec(ctx context.Context, name string, args ...string) (CommandResult, error) {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	return result.Get(0).(CommandResult), result.Error(1)
}
