// Package types defines the wire-level constants and enumerations shared by
// every layer of the SMB2 protocol engine: protocol identifiers, command
// codes, dialects, header flags, capabilities, and negotiate context values.
//
// All values are taken from [MS-SMB2] and must not be changed; they are part
// of the on-the-wire contract.
package types

// Protocol identifiers (little-endian view of the first four header bytes).
const (
	// SMB1ProtocolID is 0xFF 'S' 'M' 'B' (legacy negotiate only).
	SMB1ProtocolID uint32 = 0x424D53FF

	// SMB2ProtocolID is 0xFE 'S' 'M' 'B'.
	SMB2ProtocolID uint32 = 0x424D53FE

	// TransformProtocolID is 0xFD 'S' 'M' 'B', the encrypted transform header.
	TransformProtocolID uint32 = 0x424D53FD
)

// Command identifies an SMB2 operation. [MS-SMB2] 2.2.1
type Command uint16

// SMB2 command codes.
const (
	Negotiate      Command = 0x0000
	SessionSetup   Command = 0x0001
	Logoff         Command = 0x0002
	TreeConnect    Command = 0x0003
	TreeDisconnect Command = 0x0004
	Create         Command = 0x0005
	Close          Command = 0x0006
	Flush          Command = 0x0007
	Read           Command = 0x0008
	Write          Command = 0x0009
	Lock           Command = 0x000A
	Ioctl          Command = 0x000B
	Cancel         Command = 0x000C
	Echo           Command = 0x000D
	QueryDirectory Command = 0x000E
	ChangeNotify   Command = 0x000F
	QueryInfo      Command = 0x0010
	SetInfo        Command = 0x0011
	OplockBreak    Command = 0x0012
)

var commandNames = map[Command]string{
	Negotiate:      "NEGOTIATE",
	SessionSetup:   "SESSION_SETUP",
	Logoff:         "LOGOFF",
	TreeConnect:    "TREE_CONNECT",
	TreeDisconnect: "TREE_DISCONNECT",
	Create:         "CREATE",
	Close:          "CLOSE",
	Flush:          "FLUSH",
	Read:           "READ",
	Write:          "WRITE",
	Lock:           "LOCK",
	Ioctl:          "IOCTL",
	Cancel:         "CANCEL",
	Echo:           "ECHO",
	QueryDirectory: "QUERY_DIRECTORY",
	ChangeNotify:   "CHANGE_NOTIFY",
	QueryInfo:      "QUERY_INFO",
	SetInfo:        "SET_INFO",
	OplockBreak:    "OPLOCK_BREAK",
}

// String returns the [MS-SMB2] name of the command.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Dialect is a negotiated SMB2 protocol revision. [MS-SMB2] 2.2.3
type Dialect uint16

// SMB2 dialect revision codes.
const (
	Dialect0202 Dialect = 0x0202 // SMB 2.0.2
	Dialect0210 Dialect = 0x0210 // SMB 2.1
	Dialect0300 Dialect = 0x0300 // SMB 3.0
	Dialect0302 Dialect = 0x0302 // SMB 3.0.2
	Dialect0311 Dialect = 0x0311 // SMB 3.1.1
	DialectWild Dialect = 0x02FF // SMB2 wildcard (multi-protocol negotiate)
)

// String returns the conventional dotted form of the dialect.
func (d Dialect) String() string {
	switch d {
	case Dialect0202:
		return "2.0.2"
	case Dialect0210:
		return "2.1"
	case Dialect0300:
		return "3.0"
	case Dialect0302:
		return "3.0.2"
	case Dialect0311:
		return "3.1.1"
	case DialectWild:
		return "2.???"
	default:
		return "unknown"
	}
}

// IsSMB3 reports whether the dialect belongs to the 3.x family, which uses
// KDF-derived keys and AES-based signing instead of direct HMAC-SHA256.
func (d Dialect) IsSMB3() bool {
	return d >= Dialect0300 && d != DialectWild
}

// HeaderFlags is the Flags field of the SMB2 header. [MS-SMB2] 2.2.1.2
type HeaderFlags uint32

// Header flag bits.
const (
	FlagResponse        HeaderFlags = 0x00000001
	FlagAsync           HeaderFlags = 0x00000002
	FlagRelated         HeaderFlags = 0x00000004
	FlagSigned          HeaderFlags = 0x00000008
	FlagPriorityMask    HeaderFlags = 0x00000070
	FlagDFSOperation    HeaderFlags = 0x10000000
	FlagReplayOperation HeaderFlags = 0x20000000
)

// IsResponse reports whether the message is a server response.
func (f HeaderFlags) IsResponse() bool { return f&FlagResponse != 0 }

// IsAsync reports whether the message carries an async ID.
func (f HeaderFlags) IsAsync() bool { return f&FlagAsync != 0 }

// IsRelated reports whether the message inherits identifiers from its
// predecessor in a compound chain.
func (f HeaderFlags) IsRelated() bool { return f&FlagRelated != 0 }

// IsSigned reports whether the Signature field is valid.
func (f HeaderFlags) IsSigned() bool { return f&FlagSigned != 0 }

// SecurityMode is the signing policy bitmask exchanged during NEGOTIATE and
// SESSION_SETUP. [MS-SMB2] 2.2.3
type SecurityMode uint16

// Security mode bits.
const (
	SigningEnabled  SecurityMode = 0x0001
	SigningRequired SecurityMode = 0x0002
)

// Capabilities is the capability bitmask exchanged during NEGOTIATE.
// [MS-SMB2] 2.2.3
type Capabilities uint32

// Capability bits.
const (
	CapDFS               Capabilities = 0x00000001
	CapLeasing           Capabilities = 0x00000002
	CapLargeMTU          Capabilities = 0x00000004
	CapMultiChannel      Capabilities = 0x00000008
	CapPersistentHandles Capabilities = 0x00000010
	CapDirectoryLeasing  Capabilities = 0x00000020
	CapEncryption        Capabilities = 0x00000040
)

// Negotiate context types for SMB 3.1.1. [MS-SMB2] 2.2.3.1
const (
	NegCtxPreauthIntegrity uint16 = 0x0001
	NegCtxEncryption       uint16 = 0x0002
	NegCtxSigning          uint16 = 0x0008
)

// Preauth integrity hash algorithm IDs. [MS-SMB2] 2.2.3.1.1
const (
	HashSHA512 uint16 = 0x0001
)

// Encryption cipher IDs. [MS-SMB2] 2.2.3.1.2
const (
	CipherAES128CCM uint16 = 0x0001
	CipherAES128GCM uint16 = 0x0002
	CipherAES256CCM uint16 = 0x0003
	CipherAES256GCM uint16 = 0x0004
)

// Signing algorithm IDs. [MS-SMB2] 2.2.3.1.7
const (
	SigningAlgHMACSHA256 uint16 = 0x0000
	SigningAlgAESCMAC    uint16 = 0x0001
	SigningAlgAESGMAC    uint16 = 0x0002
)

// Credit accounting constants. [MS-SMB2] 3.3.1.1
const (
	// CreditUnitSize is the request weight covered by a single credit for
	// large reads and writes (64 KiB).
	CreditUnitSize = 65536
)
