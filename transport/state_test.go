package transport

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReadVersionLine_S1 covers S1: servers may send preamble lines before
// their identification line, which must be skipped, and the line itself
// is returned with its CR LF stripped.
func TestReadVersionLine_S1(t *testing.T) {
	in := "Welcome to our server\r\nSSH-2.0-OpenSSH_9.6\r\n"
	got, err := readVersionLine(bufio.NewReader(strings.NewReader(in)))
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6", got)
}

func TestReadVersionLine_BareLF(t *testing.T) {
	in := "SSH-2.0-dropbear\n"
	got, err := readVersionLine(bufio.NewReader(strings.NewReader(in)))
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-dropbear", got)
}

func TestReadVersionLine_RejectsOverlongLine(t *testing.T) {
	in := "SSH-2.0-" + strings.Repeat("x", 300) + "\r\n"
	_, err := readVersionLine(bufio.NewReader(strings.NewReader(in)))
	assert.Error(t, err)
}

// TestNeedsRekey_S5 covers S5: each of the three independent rekey
// triggers (bytes, packets, elapsed time) fires NeedsRekey on its own,
// and none fire right after a fresh handshake.
func TestNeedsRekey_S5(t *testing.T) {
	fresh := &Conn{lastRekey: time.Now()}
	assert.False(t, fresh.NeedsRekey())

	byBytes := &Conn{lastRekey: time.Now(), bytesSinceRekey: RekeyByteThreshold}
	assert.True(t, byBytes.NeedsRekey())

	byPackets := &Conn{lastRekey: time.Now(), packetsSinceRekey: RekeyPacketThreshold}
	assert.True(t, byPackets.NeedsRekey())

	byTime := &Conn{lastRekey: time.Now().Add(-RekeyInterval - time.Second)}
	assert.True(t, byTime.NeedsRekey())
}

func TestState_StringNames(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(999).String())
}

func TestSetStateAndState(t *testing.T) {
	c := &Conn{}
	c.setState(StateKexRun)
	assert.Equal(t, StateKexRun, c.State())
}
