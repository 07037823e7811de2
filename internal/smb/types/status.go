package types

import "fmt"

// Status is an NT_STATUS code carried in the header of SMB2 responses.
//
// NT_STATUS values encode severity in the top two bits: 0x0... success,
// 0x8... warning, 0xC... error. [MS-ERREF] 2.3
type Status uint32

// Status codes used by the protocol engine.
const (
	StatusSuccess                Status = 0x00000000
	StatusPending                Status = 0x00000103
	StatusMoreProcessingRequired Status = 0xC0000016
	StatusInvalidParameter       Status = 0xC000000D
	StatusAccessDenied           Status = 0xC0000022
	StatusLogonFailure           Status = 0xC000006D
	StatusInsufficientResources  Status = 0xC000009A
	StatusNotSupported           Status = 0xC00000BB
	StatusRequestNotAccepted     Status = 0xC00000D0
	StatusInternalError          Status = 0xC00000E5
	StatusCancelled              Status = 0xC0000120
	StatusUserSessionDeleted     Status = 0xC0000203
	StatusNetworkSessionExpired  Status = 0xC000035C
	StatusInvalidNetworkResponse Status = 0xC00000C3
)

var statusNames = map[Status]string{
	StatusSuccess:                "STATUS_SUCCESS",
	StatusPending:                "STATUS_PENDING",
	StatusMoreProcessingRequired: "STATUS_MORE_PROCESSING_REQUIRED",
	StatusInvalidParameter:       "STATUS_INVALID_PARAMETER",
	StatusAccessDenied:           "STATUS_ACCESS_DENIED",
	StatusLogonFailure:           "STATUS_LOGON_FAILURE",
	StatusInsufficientResources:  "STATUS_INSUFFICIENT_RESOURCES",
	StatusNotSupported:           "STATUS_NOT_SUPPORTED",
	StatusRequestNotAccepted:     "STATUS_REQUEST_NOT_ACCEPTED",
	StatusInternalError:          "STATUS_INTERNAL_ERROR",
	StatusCancelled:              "STATUS_CANCELLED",
	StatusUserSessionDeleted:     "STATUS_USER_SESSION_DELETED",
	StatusNetworkSessionExpired:  "STATUS_NETWORK_SESSION_EXPIRED",
	StatusInvalidNetworkResponse: "STATUS_INVALID_NETWORK_RESPONSE",
}

// String returns the symbolic NT_STATUS name, or the hex value for codes the
// engine does not know by name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_0x%08X", uint32(s))
}

// IsError reports whether the status has error severity (both top bits set).
func (s Status) IsError() bool {
	return uint32(s)&0xC0000000 == 0xC0000000
}
