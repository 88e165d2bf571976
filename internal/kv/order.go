package kv

import "bytes"

// Order is a key-comparison policy, modeled as a strategy value rather
// than a runtime-dispatched interface: merge and iterator code is
// generic over it by taking an Order and calling Cmp.
type Order uint8

const (
	Asc Order = iota
	Desc
)

// Cmp compares a and b according to the policy: Asc behaves like
// bytes.Compare, Desc reverses it.
func (o Order) Cmp(a, b []byte) int {
	c := bytes.Compare(a, b)
	if o == Desc {
		return -c
	}
	return c
}

// Less reports whether a sorts before b under the policy.
func (o Order) Less(a, b []byte) bool {
	return o.Cmp(a, b) < 0
}
