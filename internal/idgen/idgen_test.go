package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+32)
	assert.NotEqual(t, id, WithPrefix("esc_"))
}

func TestDeterministic(t *testing.T) {
	a := Deterministic("po_", "esc_1,esc_2")
	b := Deterministic("po_", "esc_1,esc_2")
	c := Deterministic("po_", "esc_1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "po_"))
}
