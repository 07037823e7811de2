// Package header parses and encodes the fixed 64-byte SMB2 message header.
//
// The header prefixes every logical message, in requests and responses alike:
//
//	Offset  Size  Field
//	     0     4  ProtocolID      0xFE 'S' 'M' 'B'
//	     4     2  StructureSize   always 64
//	     6     2  CreditCharge    credits consumed by this operation
//	     8     4  Status          NT_STATUS (responses) / ChannelSequence (requests)
//	    12     2  Command
//	    14     2  Credits         requested (requests) / granted (responses)
//	    16     4  Flags
//	    20     4  NextCommand     offset of the next header in a compound chain
//	    24     8  MessageID
//	    32     4  Reserved        ProcessID on sync messages
//	    36     4  TreeID
//	    40     8  SessionID
//	    48    16  Signature
//
// All fields are little-endian. [MS-SMB2] 2.2.1
package header

import (
	"github.com/marmos91/smbwire/internal/smb/types"
)

// Size is the fixed length of the SMB2 header in bytes.
const Size = 64

// SignatureOffset is the byte offset of the Signature field within a message.
const SignatureOffset = 48

// Header is the decoded form of the SMB2 message header.
type Header struct {
	CreditCharge uint16
	Status       types.Status
	Command      types.Command
	Credits      uint16
	Flags        types.HeaderFlags
	NextCommand  uint32
	MessageID    uint64
	Reserved     uint32
	TreeID       uint32
	SessionID    uint64
	Signature    [16]byte
}

// IsResponse reports whether the header belongs to a server response.
func (h *Header) IsResponse() bool { return h.Flags.IsResponse() }

// IsRelated reports whether the message inherits session, tree, and file
// identifiers from its predecessor in a compound chain.
func (h *Header) IsRelated() bool { return h.Flags.IsRelated() }

// IsSigned reports whether the Signature field carries a valid signature.
func (h *Header) IsSigned() bool { return h.Flags.IsSigned() }

// IsAsync reports whether the message carries an async ID in place of the
// Reserved/TreeID pair.
func (h *Header) IsAsync() bool { return h.Flags.IsAsync() }
