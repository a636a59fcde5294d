package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystem_ReturnsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, System{}.Now().Location())
}

func TestManual_AdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)
	assert.Equal(t, start, c.Now())

	got := c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), got)
	assert.Equal(t, got, c.Now())

	later := start.Add(48 * time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestOrSystem(t *testing.T) {
	assert.IsType(t, System{}, OrSystem(nil))

	m := NewManual(time.Unix(0, 0))
	assert.Same(t, m, OrSystem(m))
}
