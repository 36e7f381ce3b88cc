package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	assert.NoError(t, WithContext(nil, "ignored"))

	root := New("connection reset")
	err := WithContext(WithContext(root, "read line"), "receive handshake")
	assert.EqualError(t, err, "receive handshake: read line: connection reset")
	assert.Equal(t, root, RootCause(err))
}

func TestGetPrintableMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "Friendly",
			err:  WithContext(NewFriendlyError("bad port %d", 70000), "parse"),
			exp:  "bad port 70000",
		},
		{
			name: "Plain",
			err:  WithContext(MissingFieldError{Field: "pathName"}, "decode"),
			exp:  "decode: missing required field: pathName",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, GetPrintableMessage(test.err))
		})
	}
}
