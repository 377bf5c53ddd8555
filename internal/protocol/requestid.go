package protocol

import (
	"strconv"
	"sync/atomic"
)

// RequestIDs hands out process-local, strictly increasing request ids.
// The zero value is ready to use.
type RequestIDs struct {
	n atomic.Uint64
}

// Next returns the next id as a decimal string, starting at "1".
func (g *RequestIDs) Next() string {
	return strconv.FormatUint(g.n.Add(1), 10)
}

// Stamp assigns the next id to m if it is a request and returns the stamped
// message together with the id. Non-requests come back unchanged with an
// empty id.
func (g *RequestIDs) Stamp(m Message) (Message, string) {
	if _, ok := m.(Request); !ok {
		return m, ""
	}
	id := g.Next()
	return Stamp(m, id), id
}
