package hwlite

import (
	"fmt"

	"github.com/skythen/apdu"
)

// CardCryptogramError results from a mismatch between the card cryptogram calculated on host and the card cryptogram received from the card.
type CardCryptogramError struct {
	Expected []byte // Expected card cryptogram.
	Received []byte // Received card cryptogram.
}

func (e CardCryptogramError) Error() string {
	return fmt.Sprintf("hwlite: invalid card cryptogram: expected: %02X received: %02X", e.Expected, e.Received)
}

// InvalidMacError results from a mismatch between the response MAC calculated on host and the MAC received from the card.
// The session is closed when this error occurs and must be opened again before use.
type InvalidMacError struct {
	Expected []byte // Expected MAC.
	Received []byte // Received MAC.
}

func (e InvalidMacError) Error() string {
	return fmt.Sprintf("hwlite: invalid response MAC: expected: %02X received: %02X", e.Expected, e.Received)
}

// MutualAuthenticationError results from a failed MUTUALLY AUTHENTICATE exchange, either because of a
// non-success status word or because the plaintext of the response has an invalid length.
type MutualAuthenticationError struct {
	Response apdu.Rapdu // RAPDU that has been received.
}

func (e MutualAuthenticationError) Error() string {
	return fmt.Sprintf("hwlite: mutual authentication failed RAPDU: %s", e.Response.String())
}

// KeyDerivationError results from an error during key agreement or the derivation of session keys.
type KeyDerivationError struct {
	Message string
	Cause   error
}

func (e KeyDerivationError) Error() string {
	return fmt.Sprintf("hwlite: key derivation failed: %s cause: %e", e.Message, e.Cause)
}

// NonSuccessResponseError results from receiving a Response APDU with a non-success status word
// on a secure channel setup or pairing command.
type NonSuccessResponseError struct {
	Command  apdu.Capdu // CAPDU that was transmitted.
	Response apdu.Rapdu // RAPDU that has been received.
}

func (e NonSuccessResponseError) Error() string {
	return fmt.Sprintf("hwlite: received non success response CAPDU: %s RAPDU: %s", e.Command.String(), e.Response.String())
}

// TransmitError results from an error during the transmission of a Command APDU.
type TransmitError struct {
	Command apdu.Capdu // CAPDU that should have been transmitted.
	Cause   error
}

func (e TransmitError) Error() string {
	return fmt.Sprintf("hwlite: transmit of command failed CAPDU: %s cause: %e", e.Command.String(), e.Cause)
}

// UnexpectedResponseError results from response data whose shape violates the protocol, e.g. a SELECT
// response that contains neither an application info template nor a public key TLV.
type UnexpectedResponseError struct {
	Description string
	Data        []byte // Response data that could not be parsed.
}

func (e UnexpectedResponseError) Error() string {
	return fmt.Sprintf("hwlite: unexpected response: %s data: %02X", e.Description, e.Data)
}
