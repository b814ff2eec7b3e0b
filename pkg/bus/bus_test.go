package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	ctx := context.Background()

	require.Error(t, b.Publish(ctx, "filerelay.downloads.started", map[string]any{"ticket": "t"}))
	require.Error(t, b.EnsureStream(ctx, "FILERELAY", []string{"filerelay.>"}))

	_, err := b.Subscribe(ctx, "filerelay.>", "tail", func(context.Context, Message) error { return nil })
	require.Error(t, err)

	b.Close()
}

func TestEnsureStreamValidatesArguments(t *testing.T) {
	b := &Bus{}
	require.Error(t, b.EnsureStream(context.Background(), "", []string{"filerelay.>"}))
	require.Error(t, b.EnsureStream(context.Background(), "FILERELAY", nil))
}

func TestSubscribeValidatesArguments(t *testing.T) {
	b := &Bus{}
	_, err := b.Subscribe(context.Background(), "filerelay.>", "tail", nil)
	require.Error(t, err)

	_, err = b.Subscribe(context.Background(), "filerelay.>", "", func(context.Context, Message) error { return nil })
	require.Error(t, err)
}
