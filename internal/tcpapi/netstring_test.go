package tcpapi

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetstringFraming(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeNetstring(w, "auth user pass"))
	require.NoError(t, writeNetstring(w, ""))
	assert.Equal(t, "14:auth user pass,0:,", buf.String())

	r := bufio.NewReader(&buf)
	frame, err := readNetstring(r, 100)
	require.NoError(t, err)
	assert.Equal(t, "auth user pass", string(frame))
	frame, err = readNetstring(r, 100)
	require.NoError(t, err)
	assert.Empty(t, frame)
}

func TestNetstringErrors(t *testing.T) {
	cases := map[string]string{
		"bad length":         "x:abc,",
		"negative length":    "-1:,",
		"missing terminator": "3:abc;",
		"truncated":          "5:abc",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readNetstring(bufio.NewReader(strings.NewReader(in)), 100)
			assert.Error(t, err)
		})
	}

	_, err := readNetstring(bufio.NewReader(strings.NewReader("101:")), 100)
	assert.ErrorIs(t, err, ErrFrameTooLong)
}
