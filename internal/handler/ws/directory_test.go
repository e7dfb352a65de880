package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDirectory_RegisterAndGet(t *testing.T) {
	d := NewDirectory()
	userID := uuid.New()
	client := &Client{userID: userID, send: make(chan []byte, 1)}

	displaced := d.Register(client)
	assert.Nil(t, displaced)
	assert.Equal(t, 1, d.Count())

	got, ok := d.Get(userID)
	assert.True(t, ok)
	assert.Same(t, client, got)
}

func TestDirectory_LastWriterWins(t *testing.T) {
	d := NewDirectory()
	userID := uuid.New()
	first := &Client{userID: userID, send: make(chan []byte, 1)}
	second := &Client{userID: userID, send: make(chan []byte, 1)}

	assert.Nil(t, d.Register(first))
	displaced := d.Register(second)
	assert.Same(t, first, displaced)
	assert.Equal(t, 1, d.Count())

	got, ok := d.Get(userID)
	assert.True(t, ok)
	assert.Same(t, second, got)
}

func TestDirectory_RemoveOnlyCurrent(t *testing.T) {
	d := NewDirectory()
	userID := uuid.New()
	first := &Client{userID: userID, send: make(chan []byte, 1)}
	second := &Client{userID: userID, send: make(chan []byte, 1)}

	d.Register(first)
	d.Register(second)

	// The displaced connection's teardown must not unregister the new one
	assert.False(t, d.Remove(first))
	assert.Equal(t, 1, d.Count())

	assert.True(t, d.Remove(second))
	assert.Equal(t, 0, d.Count())

	_, ok := d.Get(userID)
	assert.False(t, ok)
}

func TestDirectory_GetUnknownUser(t *testing.T) {
	d := NewDirectory()
	_, ok := d.Get(uuid.New())
	assert.False(t, ok)
}
