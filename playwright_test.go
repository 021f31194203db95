package isoconn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlaywrightDisabledByDefault(t *testing.T) {
	h := &RuntimeHandle{}
	h.pw = newPlaywright(h, false)

	_, err := h.pw.RegisterCommandHandler(func(context.Context, string, map[string]any) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "playwright", cfgErr.Feature)

	_, err = h.pw.Subscribe(func(WSCommand) {})
	require.Error(t, err)
	require.ErrorAs(t, err, &cfgErr)
}

func TestPlaywrightSubscriptionUnsubscribeIsNilSafe(t *testing.T) {
	var zero PlaywrightSubscription
	zero.Unsubscribe()
}
