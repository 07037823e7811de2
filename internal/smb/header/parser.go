package header

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/wire"

	"github.com/marmos91/smbwire/internal/smb/types"
)

// ErrMalformed is the sentinel wrapped by every header parse failure.
// A malformed header means the peer is non-conformant or hostile; callers
// treat it as connection-fatal.
var ErrMalformed = errors.New("smb2: malformed header")

// Parse decodes the 64-byte header at the start of data.
//
// It fails when the buffer is shorter than the header, the protocol ID is
// not 0xFE'SMB', or the StructureSize field differs from 64.
func Parse(data []byte) (*Header, error) {
	if len(data) < Size {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrMalformed, len(data), Size)
	}

	if id := binary.LittleEndian.Uint32(data[0:4]); id != types.SMB2ProtocolID {
		return nil, fmt.Errorf("%w: protocol ID 0x%08X", ErrMalformed, id)
	}

	r := wire.NewReader(data[:Size])
	r.Skip(4) // protocol ID, validated above
	r.ExpectUint16(Size)

	h := &Header{
		CreditCharge: r.Uint16(),
		Status:       types.Status(r.Uint32()),
		Command:      types.Command(r.Uint16()),
		Credits:      r.Uint16(),
		Flags:        types.HeaderFlags(r.Uint32()),
		NextCommand:  r.Uint32(),
		MessageID:    r.Uint64(),
		Reserved:     r.Uint32(),
		TreeID:       r.Uint32(),
		SessionID:    r.Uint64(),
	}
	copy(h.Signature[:], r.Bytes(16))

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}

// Encode serializes the header to its 64-byte wire form. Encoding a header
// produced by Parse yields the original bytes.
func (h *Header) Encode() []byte {
	w := wire.NewWriter(Size)
	w.Uint32(types.SMB2ProtocolID)
	w.Uint16(Size)
	w.Uint16(h.CreditCharge)
	w.Uint32(uint32(h.Status))
	w.Uint16(uint16(h.Command))
	w.Uint16(h.Credits)
	w.Uint32(uint32(h.Flags))
	w.Uint32(h.NextCommand)
	w.Uint64(h.MessageID)
	w.Uint32(h.Reserved)
	w.Uint32(h.TreeID)
	w.Uint64(h.SessionID)
	w.Bytes(h.Signature[:])
	return w.Out()
}

// IsSMB2 reports whether data begins with the SMB2 protocol ID.
func IsSMB2(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == types.SMB2ProtocolID
}

// IsSMB1 reports whether data begins with the legacy SMB1 protocol ID.
// SMB1 appears only in the multi-protocol negotiate a legacy client opens with.
func IsSMB1(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == types.SMB1ProtocolID
}
