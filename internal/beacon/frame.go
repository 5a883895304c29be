package beacon

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
)

// AppleCompanyID is the manufacturer ID carried by iBeacon frames.
const AppleCompanyID uint16 = 0x004C

// frameLen is the manufacturer data length after the company ID:
// type(1) + length(1) + uuid(16) + major(2) + minor(2) + power(1).
const frameLen = 23

// ErrNotBeacon is returned for manufacturer data that is not an iBeacon frame.
var ErrNotBeacon = errors.New("beacon: not an iBeacon frame")

// Frame is a decoded iBeacon advertisement.
type Frame struct {
	UUID     string
	Identity Identity // raw minor, pickup flag included
	// MeasuredPower is the calibrated RSSI at one metre.
	MeasuredPower int8
}

// ParseFrame decodes Apple manufacturer data (without the company ID).
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < frameLen || data[0] != 0x02 || data[1] != 0x15 {
		return Frame{}, ErrNotBeacon
	}
	return Frame{
		UUID: formatUUID(data[2:18]),
		Identity: Identity{
			Major: binary.BigEndian.Uint16(data[18:20]),
			Minor: binary.BigEndian.Uint16(data[20:22]),
		},
		MeasuredPower: int8(data[22]),
	}, nil
}

// MarshalFrame is the inverse of ParseFrame. uuid must be a canonical
// 36-character UUID string.
func MarshalFrame(f Frame) ([]byte, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(f.UUID, "-", ""))
	if err != nil || len(raw) != 16 {
		return nil, errors.New("beacon: invalid frame uuid")
	}
	buf := make([]byte, frameLen)
	buf[0], buf[1] = 0x02, 0x15
	copy(buf[2:18], raw)
	binary.BigEndian.PutUint16(buf[18:20], f.Identity.Major)
	binary.BigEndian.PutUint16(buf[20:22], f.Identity.Minor)
	buf[22] = byte(f.MeasuredPower)
	return buf, nil
}

func formatUUID(b []byte) string {
	s := strings.ToUpper(hex.EncodeToString(b))
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}
