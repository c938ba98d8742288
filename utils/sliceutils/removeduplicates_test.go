package sliceutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoveDuplicates(t *testing.T) {
	assert.Nil(t, RemoveDuplicates[string](nil))
	assert.Equal(t,
		[]string{"10.0.0.1:8091", "10.0.0.2:8091"},
		RemoveDuplicates([]string{"10.0.0.1:8091", "10.0.0.2:8091", "10.0.0.1:8091"}))
	assert.Equal(t, []int{3, 1, 2}, RemoveDuplicates([]int{3, 1, 3, 2, 1}))
}
