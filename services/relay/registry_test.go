package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu   sync.Mutex
	cmds []UploadCommand
	err  error
	// onSend runs after the command is recorded, outside the lock.
	onSend func(UploadCommand)
}

func (f *fakeLink) SendUpload(_ context.Context, cmd UploadCommand) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(cmd)
	}
	return nil
}

func (f *fakeLink) commands() []UploadCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UploadCommand(nil), f.cmds...)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get(42)
	assert.False(t, ok)

	first := &fakeLink{}
	assert.Nil(t, r.Register(42, first))
	got, ok := r.Get(42)
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.True(t, r.IsOnline(42))
	assert.False(t, r.IsOnline(7))
	assert.Equal(t, 1, r.Len())

	second := &fakeLink{}
	assert.Same(t, first, r.Register(42, second))
	assert.Equal(t, 1, r.Len())
	assert.Nil(t, r.Register(42, second), "re-registering the same link replaces nothing")

	// The replaced link going away must not evict its successor.
	assert.False(t, r.UnregisterLink(42, first))
	assert.True(t, r.IsOnline(42))

	assert.True(t, r.UnregisterLink(42, second))
	assert.False(t, r.IsOnline(42))

	r.Register(1, first)
	r.Unregister(1)
	assert.Zero(t, r.Len())
}

func TestRegistryDrain(t *testing.T) {
	r := NewRegistry()
	r.Register(1, &fakeLink{})
	r.Register(2, &fakeLink{})

	links := r.Drain()
	assert.Len(t, links, 2)
	assert.Zero(t, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := int64(0); i < 32; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			link := &fakeLink{}
			r.Register(id, link)
			_ = r.IsOnline(id)
			if id%2 == 0 {
				r.UnregisterLink(id, link)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, r.Len())
}
