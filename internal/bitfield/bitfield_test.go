package bitfield_test

import (
	"testing"

	"github.com/iansmith/alteo/internal/bitfield"
	"github.com/stretchr/testify/require"
)

type pageFlags struct {
	Present bool   `bitfield:"1"`
	Write   bool   `bitfield:"1"`
	User    bool   `bitfield:"1"`
	NoCache bool   `bitfield:"1"`
	Frame   uint64 `bitfield:"52"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	in := pageFlags{Present: true, Write: true, User: false, NoCache: true, Frame: 0xDEADB}
	packed, err := bitfield.Pack(&in, &bitfield.Config{NumBits: 64})
	require.NoError(t, err)

	var out pageFlags
	require.NoError(t, bitfield.Unpack(packed, &out, &bitfield.Config{NumBits: 64}))
	require.Equal(t, in, out)
}

func TestPackOverflowRejected(t *testing.T) {
	in := pageFlags{Frame: uint64(1) << 53}
	_, err := bitfield.Pack(&in, &bitfield.Config{NumBits: 64})
	require.Error(t, err)
}

func TestPackUntaggedFieldsIgnored(t *testing.T) {
	type s struct {
		A uint8 `bitfield:"4"`
		B uint8
		C uint8 `bitfield:"4"`
	}
	in := s{A: 0xF, B: 0xFF, C: 0xF}
	packed, err := bitfield.Pack(&in, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0xFF), packed)
}
