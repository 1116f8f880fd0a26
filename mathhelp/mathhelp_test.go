package mathhelp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClip(t *testing.T) {
	assert.Equal(t, 0, Clip(-3, 0, 7))
	assert.Equal(t, 7, Clip(12, 0, 7))
	assert.Equal(t, 5, Clip(5, 0, 7))
	assert.Equal(t, 0.25, Clip(0.25, 0.0, 1.0))
	assert.Equal(t, -85.0511, Clip(-90.0, -85.0511, 85.0511))
}

func TestPow2(t *testing.T) {
	assert.Equal(t, uint(1), Pow2(0))
	assert.Equal(t, uint(1024), Pow2(10))
}
