package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickhouseEndpoint(t *testing.T) {
	cases := []struct {
		in     string
		host   string
		port   string
		secure bool
	}{
		{"localhost", "localhost", "9000", false},
		{"ch.internal:9001", "ch.internal", "9001", false},
		{"http://ch.internal", "ch.internal", "9000", false},
		{"https://ch.internal", "ch.internal", "9440", true},
		{"https://ch.internal:19440", "ch.internal", "19440", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			host, port, secure, err := clickhouseEndpoint(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
			assert.Equal(t, tc.secure, secure)
		})
	}

	_, _, _, err := clickhouseEndpoint("http://")
	assert.Error(t, err)
}
