package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeWindowDetectsDuplicates(t *testing.T) {
	d := newDedupeWindow(10)

	assert.True(t, d.observe("e1"))
	assert.True(t, d.observe("e2"))
	assert.False(t, d.observe("e1"))
	assert.False(t, d.observe("e2"))
	assert.True(t, d.observe("e3"))
}

func TestDedupeWindowEvictsOldest(t *testing.T) {
	d := newDedupeWindow(3)

	for i := 1; i <= 4; i++ {
		assert.True(t, d.observe(fmt.Sprintf("e%d", i)))
	}

	// e1 was evicted when e4 arrived; the rest are still remembered.
	assert.True(t, d.observe("e1"))
	assert.False(t, d.observe("e3"))
	assert.False(t, d.observe("e4"))
	assert.Len(t, d.order, 3)
	assert.Len(t, d.seen, 3)
}

func TestDedupeWindowMinimumCapacity(t *testing.T) {
	d := newDedupeWindow(0)
	assert.True(t, d.observe("e1"))
	assert.False(t, d.observe("e1"))
	assert.True(t, d.observe("e2"))
	assert.True(t, d.observe("e1"))
}
