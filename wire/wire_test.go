package wire

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMPIntRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		n    *big.Int
	}{
		{"zero", big.NewInt(0)},
		{"small", big.NewInt(0x1234)},
		{"msb-set-needs-padding", new(big.Int).Lsh(big.NewInt(1), 255)}, // 2^255, MSB of top byte set
		{"large-random-ish", func() *big.Int {
			n, _ := new(big.Int).SetString("affedeadbeef1234567890abcdef", 16)
			return n
		}()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := NewBuffer()
			w.WriteMPInt(c.n)
			r := NewReader(w.Bytes())
			got, err := r.ReadMPInt()
			require.NoError(t, err)
			assert.Equal(t, 0, c.n.Cmp(got))
		})
	}
}

func TestMPIntZeroEncodesEmpty(t *testing.T) {
	w := NewBuffer()
	w.WriteMPInt(big.NewInt(0))
	assert.Equal(t, []byte{0, 0, 0, 0}, w.Bytes())
}

func TestMPIntLeadingZeroWhenMSBSet(t *testing.T) {
	// 2^(8*4-1) = 2^31 has its top bit set in a 4-byte representation,
	// so the encoding must carry a leading 0x00 padding byte.
	n := new(big.Int).Lsh(big.NewInt(1), 31)
	w := NewBuffer()
	w.WriteMPInt(n)
	b := w.Bytes()
	length := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	require.EqualValues(t, 5, length)
	assert.EqualValues(t, 0, b[4])
}

func TestNameList(t *testing.T) {
	cases := [][]string{
		nil,
		{},
		{"a"},
		{"curve25519-sha256", "diffie-hellman-group14-sha256"},
	}
	for _, c := range cases {
		w := NewBuffer()
		w.WriteNameList(c)
		r := NewReader(w.Bytes())
		got, err := r.ReadNameList()
		require.NoError(t, err)
		if len(c) == 0 {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, c, got)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	w := NewBuffer()
	w.WriteString([]byte{0x00, 0xff, 'a', 'b'})
	r := NewReader(w.Bytes())
	got, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 'a', 'b'}, got)
}

func TestReadStringOverrunIsMalformed(t *testing.T) {
	w := NewBuffer()
	w.WriteUint32(10) // claims 10 bytes follow but none are present
	r := NewReader(w.Bytes())
	_, err := r.ReadString()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUint32RoundTrip(t *testing.T) {
	w := NewBuffer()
	w.WriteUint32(0xdeadbeef)
	r := NewReader(w.Bytes())
	got, err := r.ReadUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 0xdeadbeef, got)
}

func TestBoolRoundTrip(t *testing.T) {
	w := NewBuffer()
	w.WriteBool(true)
	w.WriteBool(false)
	r := NewReader(w.Bytes())
	a, _ := r.ReadBool()
	b, _ := r.ReadBool()
	assert.True(t, a)
	assert.False(t, b)
}
