package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/google/uuid"
)

// UACAccountDisabled is the userAccountControl ACCOUNTDISABLE flag.
const UACAccountDisabled int64 = 0x00000002

const guidBytesLength = 16

// DecodeSID converts a binary objectSid into its S-1-5-21-... form.
func DecodeSID(raw []byte) (string, error) {
	// Revision, sub-authority count and the 6-byte identifier authority.
	if len(raw) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(raw))
	}
	return objectsid.Decode(raw).String(), nil
}

// DecodeGUID converts an Active Directory objectGUID into its canonical string.
// The first three groups are stored little-endian.
func DecodeGUID(raw []byte) (string, error) {
	if len(raw) != guidBytesLength {
		return "", fmt.Errorf("invalid GUID length: expected %d bytes, got %d", guidBytesLength, len(raw))
	}

	b := make([]byte, guidBytesLength)
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	copy(b[8:], raw[8:])

	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", fmt.Errorf("failed to decode GUID: %w", err)
	}
	return id.String(), nil
}

// AccountEnabled reports whether a userAccountControl value leaves the account
// enabled. Lockout is enforced by the directory at bind time and is ignored here.
// Unparseable values are treated as enabled.
func AccountEnabled(uac string) bool {
	uac = strings.TrimSpace(uac)
	if uac == "" {
		return true
	}
	v, err := strconv.ParseInt(uac, 10, 64)
	if err != nil {
		return true
	}
	return v&UACAccountDisabled == 0
}
