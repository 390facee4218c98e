package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerations(t *testing.T) {
	g := newGenerations()

	t.Run("unchanged read", func(t *testing.T) {
		n := g.begin("abc123")
		assert.True(t, g.current("abc123", n))
		assert.True(t, g.end("abc123", n))
		assert.Zero(t, g.inflight())
	})

	t.Run("invalidated during read", func(t *testing.T) {
		n := g.begin("abc123")
		g.bump("abc123")
		assert.False(t, g.current("abc123", n))
		assert.False(t, g.end("abc123", n))
		assert.Zero(t, g.inflight())
	})

	t.Run("bump without readers is not recorded", func(t *testing.T) {
		g.bump("idle")
		assert.Zero(t, g.inflight())
	})

	t.Run("overlapping readers", func(t *testing.T) {
		first := g.begin("abc123")
		g.bump("abc123")
		second := g.begin("abc123")

		assert.False(t, g.end("abc123", first))
		assert.Equal(t, 1, g.inflight(), "second reader keeps the entry")
		assert.True(t, g.end("abc123", second))
		assert.Zero(t, g.inflight())
	})
}
