package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxPayload(t *testing.T) {
	assert.Equal(t, 5*1024*1024-RecordOverhead, MaxPayload(5*1024*1024))
	assert.Equal(t, 1, MaxPayload(RecordOverhead+1))
	assert.Equal(t, 0, MaxPayload(RecordOverhead))
	assert.Equal(t, 0, MaxPayload(0))
}
