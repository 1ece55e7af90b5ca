package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, capture.Tenant, capture.Summary) error {
	c.calls++
	return c.err
}

func TestMultiDeliversToAll(t *testing.T) {
	t.Parallel()

	boom := errors.New("chat unreachable")
	first := &countingNotifier{err: boom}
	second := &countingNotifier{}
	m := Multi{first, nil, second}

	err := m.Notify(context.Background(), capture.Tenant{ID: "t"}, capture.Summary{AlertID: "a"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)

	require.NoError(t, Multi{second}.Notify(context.Background(), capture.Tenant{}, capture.Summary{}))
	require.NoError(t, Nop{}.Notify(context.Background(), capture.Tenant{}, capture.Summary{}))
}
