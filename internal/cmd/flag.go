package cmd

import (
	"flag"
	"strconv"
)

// uint16Value is an uint16 that can be defined as a flag for [flag.FlagSet].
type uint16Value uint16

// type check
var _ flag.Value = (*uint16Value)(nil)

// Set implements the [flag.Value] interface for *uint16Value.
func (i *uint16Value) Set(s string) (err error) {
	v, err := strconv.ParseUint(s, 0, 16)
	*i = uint16Value(v)

	return err
}

// String implements the [flag.Value] interface for *uint16Value.
func (i *uint16Value) String() (out string) {
	return strconv.FormatUint(uint64(*i), 10)
}
