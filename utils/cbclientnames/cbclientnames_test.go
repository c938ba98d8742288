package cbclientnames

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromUserAgent(t *testing.T) {
	assert.Equal(t, "fastcouch-go/1.0", FromUserAgent("fastcouch-go/1.0 (linux)"))
	assert.Equal(t, "plain", FromUserAgent("plain"))
	assert.Len(t, FromUserAgent(strings.Repeat("x", 500)), 200)
}

func TestHelloKey(t *testing.T) {
	assert.Equal(t,
		`{"a":"fastcouch-go/dev","i":"6f1c2a"}`,
		HelloKey("fastcouch-go/dev extra", "6f1c2a"))
}
