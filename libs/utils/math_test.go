package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinMaxAvg(t *testing.T) {
	data := []float64{4, 1, 7, 3}

	assert.Equal(t, 1.0, Min(data...))
	assert.Equal(t, 7.0, Max(data...))
	assert.Equal(t, 3.75, Avg(data...))
}

func TestEmptyInput(t *testing.T) {
	assert.Equal(t, 0.0, Min())
	assert.Equal(t, 0.0, Max())
	assert.Equal(t, 0.0, Avg())
}
