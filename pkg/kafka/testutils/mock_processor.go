package testutils

import (
	"context"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
)

// MockProcessor is a mock implementation of processor.BatchProcessor for testing
type MockProcessor struct {
	mock.Mock
}

// ProcessBatch mocks the ProcessBatch method
func (m *MockProcessor) ProcessBatch(ctx context.Context, batch []*kafka.Message) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}
