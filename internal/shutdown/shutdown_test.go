package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ReverseOrderAndErrors(t *testing.T) {
	m := NewManager(nil)
	var order []string
	m.RegisterCloser("database", func() error {
		order = append(order, "database")
		return nil
	})
	m.RegisterShutdown("audit", func(context.Context) error {
		order = append(order, "audit")
		return errors.New("queue not drained")
	})
	m.RegisterShutdown("http", func(context.Context) error {
		order = append(order, "http")
		return nil
	})

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit shutdown: queue not drained")
	assert.Equal(t, []string{"http", "audit", "database"}, order)

	// A second call does not rerun the steps.
	assert.Equal(t, err, m.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}
