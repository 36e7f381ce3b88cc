package peer

import (
	"github.com/sidkik/peersync/pkg/protocol"
)

// transfer tracks the ranges of an incoming file that haven't arrived yet.
type transfer struct {
	descriptor  protocol.FileDescriptor
	outstanding map[int64]int64
}

func newTransfer(fd protocol.FileDescriptor, ranges []byteRange) *transfer {
	t := &transfer{descriptor: fd, outstanding: map[int64]int64{}}
	for _, r := range ranges {
		t.outstanding[r.position] = r.length
	}
	return t
}

// received marks a range as written. It returns false if the range wasn't
// requested, or has already arrived.
func (t *transfer) received(position, length int64) bool {
	expLength, ok := t.outstanding[position]
	if !ok || expLength != length {
		return false
	}
	delete(t.outstanding, position)
	return true
}

func (t *transfer) finished() bool {
	return len(t.outstanding) == 0
}
