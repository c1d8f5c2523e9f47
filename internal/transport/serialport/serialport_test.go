package serialport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/meshcommons/meshlink/internal/transport"
)

var _ transport.SerialDriver = Driver{}

func TestParseID(t *testing.T) {
	v, err := parseID("0403")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0403), v)

	v, err = parseID("6001")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x6001), v)

	_, err = parseID("")
	assert.Error(t, err)
	_, err = parseID("10000")
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	err := mapError("/dev/ttyUSB0", &serial.PortError{})
	assert.NotErrorIs(t, err, transport.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "/dev/ttyUSB0")
}

func TestOpenMissingPort(t *testing.T) {
	_, err := Driver{}.Open("/dev/meshlink-does-not-exist")
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrPermissionDenied)
}
