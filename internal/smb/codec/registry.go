package codec

import (
	"github.com/marmos91/smbwire/internal/smb/types"
)

// requestDecoder turns a request body into its typed form.
type requestDecoder func(body []byte) (Body, error)

// requestCodecs is the closed dispatch table from command code to decoder,
// built once at package init. Commands absent from the table pass through
// as RawBody for the application handler to interpret.
var requestCodecs = map[types.Command]requestDecoder{
	types.Negotiate:    func(b []byte) (Body, error) { return DecodeNegotiateRequest(b) },
	types.SessionSetup: func(b []byte) (Body, error) { return DecodeSessionSetupRequest(b) },
	types.Logoff:       func(b []byte) (Body, error) { return DecodeLogoffRequest(b) },
	types.Echo:         func(b []byte) (Body, error) { return DecodeEchoRequest(b) },
}

// DecodeRequest decodes the body of a request with the given command code.
// Commands the engine does not interpret are returned as RawBody.
func DecodeRequest(cmd types.Command, body []byte) (Body, error) {
	if decode, ok := requestCodecs[cmd]; ok {
		return decode(body)
	}
	return &RawBody{Data: body}, nil
}

// Interpreted reports whether the engine decodes the command itself rather
// than passing it to the application handler opaquely.
func Interpreted(cmd types.Command) bool {
	_, ok := requestCodecs[cmd]
	return ok
}
