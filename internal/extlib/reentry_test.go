package extlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnter_CountsOverlap(t *testing.T) {
	before := Violations()

	outer := enter()
	inner := enter()
	inner()
	outer()
	assert.Equal(t, before+1, Violations())

	enter()()
	assert.Equal(t, before+1, Violations())
}
