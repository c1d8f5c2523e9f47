// Package frame implements the node wire protocol: newline-terminated ASCII
// commands outbound, and status lines or CoT event envelopes inbound.
package frame

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outbound commands.
const (
	CmdGetBattery = "CMD:GET_BATT"
	CmdAlertSOS   = "CMD:ALERT:SOS"
	CmdGetVersion = "CMD:GET_VERSION"
)

// Inbound markers.
const (
	PrefixBattery  = "STATUS:BATT:"
	PrefixVersion  = "STATUS:VERSION:"
	PrefixAlertAck = "ALERT RECEIVED:"

	EventOpen  = "<event"
	EventClose = "</event>"
)

// DefaultClassification is used when an event carries no type.
const DefaultClassification = "a-h-G-U-T"

// EncodeCommand returns cmd as a newline-terminated wire line.
func EncodeCommand(cmd string) []byte {
	cmd = strings.TrimRight(cmd, "\r\n")
	return []byte(cmd + "\n")
}

// DataFormat selects the prefix applied to operator-supplied data.
type DataFormat string

const (
	FormatText   DataFormat = "text"
	FormatJSON   DataFormat = "json"
	FormatCustom DataFormat = "custom"
	FormatRaw    DataFormat = "raw"
)

// FormatData applies the wire prefix for format. JSON payloads must be valid.
func FormatData(format DataFormat, data string) ([]byte, error) {
	switch format {
	case FormatText:
		return []byte("TXT:" + data), nil
	case FormatJSON:
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("frame: invalid JSON payload")
		}
		return []byte("JSON:" + data), nil
	case FormatCustom:
		return []byte("CUSTOM:" + data), nil
	case FormatRaw, "":
		return []byte(data), nil
	default:
		return nil, fmt.Errorf("frame: unknown data format %q", format)
	}
}
