package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHostPort(t *testing.T) {
	tests := []struct {
		in     string
		exp    HostPort
		expErr bool
	}{
		{in: "localhost:8111", exp: HostPort{Host: "localhost", Port: 8111}},
		{in: "[::1]:9000", exp: HostPort{Host: "::1", Port: 9000}},
		{in: "localhost", expErr: true},
		{in: ":8111", expErr: true},
		{in: "localhost:http", expErr: true},
		{in: "localhost:70000", expErr: true},
	}

	for _, test := range tests {
		hp, err := ParseHostPort(test.in)
		if test.expErr {
			assert.Error(t, err, test.in)
			continue
		}
		assert.NoError(t, err, test.in)
		assert.Equal(t, test.exp, hp)
		assert.Equal(t, test.in, hp.String())
	}
}

func TestFromUDPAddr(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}
	assert.Equal(t, HostPort{Host: "127.0.0.1", Port: 4000}, FromUDPAddr(addr))
}

func TestSameContent(t *testing.T) {
	a := FileDescriptor{MD5: "abc", LastModified: 1, FileSize: 3}
	b := a
	b.LastModified = 2
	assert.True(t, a.SameContent(b))

	b.FileSize = 4
	assert.False(t, a.SameContent(b))
}
