package hwlite

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	claISO byte = 0x00

	insSelect           byte = 0xA4
	insInit             byte = 0xFE
	insVerifyPIN        byte = 0x20
	insChangePIN        byte = 0x21
	insUnblockPIN       byte = 0x22
	insSign             byte = 0xC0
	insSetPinlessPath   byte = 0xC1
	insExportKey        byte = 0xC2
	insLoadKey          byte = 0xD0
	insDeriveKey        byte = 0xD1
	insGenerateMnemonic byte = 0xD2
	insRemoveKey        byte = 0xD3
	insGenerateKey      byte = 0xD4
	insGetStatus        byte = 0xF2
	// SET NDEF shares the instruction byte with GET STATUS, the applet tells them apart by P1.
	insSetNDEF byte = 0xF2

	selectP1ByName byte = 0x04

	tagApplicationInfoTemplate byte = 0xA4
	tagKeyTemplate             byte = 0xA1
	tagPublicKey               byte = 0x80
	tagPrivateKey              byte = 0x81
	tagChainCode               byte = 0x82
)

const (
	// LoadKeyP1ECKeyPair loads an EC keypair without a chain code.
	LoadKeyP1ECKeyPair byte = 0x01
	// LoadKeyP1ExtendedECKeyPair loads an EC keypair with a chain code.
	LoadKeyP1ExtendedECKeyPair byte = 0x02
	// LoadKeyP1Seed loads a master private key and chain code in raw concatenated form.
	LoadKeyP1Seed byte = 0x03

	// DeriveP1SourceMaster starts the derivation from the master key.
	DeriveP1SourceMaster byte = 0x00
	// DeriveP1SourceParent starts the derivation from the parent of the current key.
	DeriveP1SourceParent byte = 0x40
	// DeriveP1SourceCurrent starts the derivation from the current key.
	DeriveP1SourceCurrent byte = 0x80

	// ChangePINP1UserPIN replaces the user PIN.
	ChangePINP1UserPIN byte = 0x00
	// ChangePINP1PUK replaces the PUK.
	ChangePINP1PUK byte = 0x01
	// ChangePINP1PairingSecret replaces the pairing secret.
	ChangePINP1PairingSecret byte = 0x02

	// GetStatusP1Application selects the application status.
	GetStatusP1Application byte = 0x00
	// GetStatusP1KeyPath selects the current key derivation path.
	GetStatusP1KeyPath byte = 0x01

	maxPINType byte = 0x03
)

// appletAID is the instance AID of the wallet applet ("StatusWalletApp").
var appletAID = []byte{0x53, 0x74, 0x61, 0x74, 0x75, 0x73, 0x57, 0x61, 0x6C, 0x6C, 0x65, 0x74, 0x41, 0x70, 0x70}

// ApplicationInfo is the parsed response to the SELECT command.
type ApplicationInfo struct {
	// Initialized is false while the card is waiting for the INIT command.
	Initialized bool
	// PublicKey is the card's secure channel public key, a 65 byte uncompressed secp256k1 point.
	PublicKey []byte
}

// CommandSet formats the commands of the wallet applet and passes them through the secure
// channel session. Command methods return the RAPDU as sent by the applet, non-success status
// words of application level commands are not turned into errors. Errors are returned for
// transport failures, a broken secure channel and Data that cannot be transmitted at all.
type CommandSet struct {
	transmitter Transmitter
	session     *Session
}

// NewCommandSet creates a CommandSet that transmits through the given Transmitter.
func NewCommandSet(transmitter Transmitter) *CommandSet {
	return &CommandSet{
		transmitter: transmitter,
		session:     NewSession(),
	}
}

// Session returns the secure channel session of the CommandSet, e.g. to persist the pairing
// information with Session.Pairing or to restore it with Session.SetPairingInfo.
func (cs *CommandSet) Session() *Session {
	return cs.session
}

// transmitProtected sends a wallet applet command through the secure channel session.
func (cs *CommandSet) transmitProtected(ins, p1, p2 byte, data []byte) (apdu.Rapdu, error) {
	return cs.session.Transmit(cs.transmitter, apdu.Capdu{
		Cla:  claWallet,
		Ins:  ins,
		P1:   p1,
		P2:   p2,
		Data: data,
		Ne:   apdu.MaxLenResponseDataStandard,
	})
}

// Select selects the wallet applet and parses the returned application info. The card public
// key from the response is ingested into the session, so a successful Select is the first step
// of every interaction with the card.
func (cs *CommandSet) Select() (ApplicationInfo, error) {
	sel := apdu.Capdu{
		Cla:  claISO,
		Ins:  insSelect,
		P1:   selectP1ByName,
		P2:   0x00,
		Data: appletAID,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := cs.transmitter.Transmit(sel)
	if err != nil {
		return ApplicationInfo{}, TransmitError{Command: sel, Cause: err}
	}

	if !resp.IsSuccess() {
		return ApplicationInfo{}, errors.Wrap(NonSuccessResponseError{Command: sel, Response: resp}, "select applet")
	}

	info, err := parseApplicationInfo(resp.Data)
	if err != nil {
		return ApplicationInfo{}, err
	}

	err = cs.session.GenerateSecret(info.PublicKey)
	if err != nil {
		return ApplicationInfo{}, err
	}

	return info, nil
}

// parseApplicationInfo parses the SELECT response. An initialized card returns an application
// info template with the public key at a fixed offset, a card waiting for INIT returns the
// bare public key TLV.
func parseApplicationInfo(data []byte) (ApplicationInfo, error) {
	if len(data) == 0 {
		return ApplicationInfo{}, UnexpectedResponseError{Description: "select response is empty", Data: data}
	}

	switch data[0] {
	case tagApplicationInfoTemplate:
		if len(data) < 23 || len(data) < 22+int(data[21]) {
			return ApplicationInfo{}, UnexpectedResponseError{Description: "application info template is truncated", Data: data}
		}

		key := make([]byte, data[21])
		copy(key, data[22:])

		return ApplicationInfo{Initialized: true, PublicKey: key}, nil
	case tagPublicKey:
		if len(data) < 2 {
			return ApplicationInfo{}, UnexpectedResponseError{Description: "public key TLV is truncated", Data: data}
		}

		key := make([]byte, len(data)-2)
		copy(key, data[2:])

		return ApplicationInfo{Initialized: false, PublicKey: key}, nil
	default:
		return ApplicationInfo{}, UnexpectedResponseError{Description: "unknown select response template", Data: data}
	}
}

// Init initializes a card that has been installed but not personalized yet. It sets the user
// PIN, the PUK and the pairing secret in a single one shot encrypted payload, see
// Session.OneShotEncrypt. Select must have been called before.
func (cs *CommandSet) Init(pin, puk string, sharedSecret []byte) (apdu.Rapdu, error) {
	data := make([]byte, 0, len(pin)+len(puk)+len(sharedSecret))
	data = append(data, pin...)
	data = append(data, puk...)
	data = append(data, sharedSecret...)

	payload, err := cs.session.OneShotEncrypt(data)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	initialize := apdu.Capdu{
		Cla:  claWallet,
		Ins:  insInit,
		P1:   0x00,
		P2:   0x00,
		Data: payload,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := cs.transmitter.Transmit(initialize)
	if err != nil {
		return apdu.Rapdu{}, TransmitError{Command: initialize, Cause: err}
	}

	return resp, nil
}

// Pair pairs the host with the card using the raw 32 byte pairing shared secret.
func (cs *CommandSet) Pair(sharedSecret []byte) error {
	return cs.session.Pair(cs.transmitter, sharedSecret)
}

// AutoPair pairs the host with the card using a pairing password. The password is run through
// DerivePairingSecret to obtain the pairing shared secret.
func (cs *CommandSet) AutoPair(pairingPassword string) error {
	return cs.session.Pair(cs.transmitter, DerivePairingSecret(pairingPassword))
}

// OpenSecureChannel opens the secure channel using the pairing information of the session.
func (cs *CommandSet) OpenSecureChannel() error {
	return cs.session.Open(cs.transmitter)
}

// Unpair removes the pairing with the given index from the card.
func (cs *CommandSet) Unpair(index byte) error {
	return cs.session.Unpair(cs.transmitter, index)
}

// AutoUnpair removes the pairing used by this session from the card.
func (cs *CommandSet) AutoUnpair() error {
	pairing, ok := cs.session.Pairing()
	if !ok {
		return errors.New("session is not paired - did you forget to call Pair or SetPairingInfo?")
	}

	return cs.session.Unpair(cs.transmitter, byte(pairing.Index))
}

// UnpairOthers removes all pairings except the one used by this session.
func (cs *CommandSet) UnpairOthers() error {
	return cs.session.UnpairOthers(cs.transmitter)
}

// VerifyPIN authenticates the user PIN for the current session. A wrong PIN is reported with
// status word 0x63CX, where X is the number of remaining attempts.
func (cs *CommandSet) VerifyPIN(pin string) (apdu.Rapdu, error) {
	return cs.transmitProtected(insVerifyPIN, 0x00, 0x00, []byte(pin))
}

// ChangePIN replaces the credential selected by pinType, see the ChangePINP1 constants.
func (cs *CommandSet) ChangePIN(pinType byte, pin []byte) (apdu.Rapdu, error) {
	if pinType > maxPINType {
		return apdu.Rapdu{}, errors.Errorf("PIN type must be in range 0-%d, got: %d", maxPINType, pinType)
	}

	return cs.transmitProtected(insChangePIN, pinType, 0x00, pin)
}

// UnblockPIN unblocks a blocked user PIN with the PUK and replaces it with a new PIN.
func (cs *CommandSet) UnblockPIN(puk, newPIN string) (apdu.Rapdu, error) {
	data := make([]byte, 0, len(puk)+len(newPIN))
	data = append(data, puk...)
	data = append(data, newPIN...)

	return cs.transmitProtected(insUnblockPIN, 0x00, 0x00, data)
}

// LoadKey sends a LOAD KEY command with raw Data, see the LoadKeyP1 constants for the key
// templates the applet accepts. The convenience loaders LoadKeySeed, LoadKeyECKeyPair and
// LoadKeyWIF build the Data for the common cases.
func (cs *CommandSet) LoadKey(data []byte, p1 byte) (apdu.Rapdu, error) {
	return cs.transmitProtected(insLoadKey, p1, 0x00, data)
}

// LoadKeySeed loads the card with a master private key and chain code in raw concatenated
// form. A leading 0x00 sign byte of the private key is stripped.
func (cs *CommandSet) LoadKeySeed(privateKey, chainCode []byte) (apdu.Rapdu, error) {
	privateKey = stripSignByte(privateKey)

	data := make([]byte, 0, len(privateKey)+len(chainCode))
	data = append(data, privateKey...)
	data = append(data, chainCode...)

	return cs.LoadKey(data, LoadKeyP1Seed)
}

// LoadKeyECKeyPair loads an EC keypair in TLV form. publicKey may be nil, in which case the
// card recovers it from the private key. A nil chainCode loads a plain keypair, otherwise the
// extended form with the chain code is used.
func (cs *CommandSet) LoadKeyECKeyPair(publicKey, privateKey, chainCode []byte) (apdu.Rapdu, error) {
	p1 := LoadKeyP1ECKeyPair
	if len(chainCode) > 0 {
		p1 = LoadKeyP1ExtendedECKeyPair
	}

	return cs.LoadKey(encodeKeyTemplate(publicKey, privateKey, chainCode), p1)
}

// LoadKeyWIF loads a keypair from a private key in wallet import format.
func (cs *CommandSet) LoadKeyWIF(wif string) (apdu.Rapdu, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "decode WIF")
	}

	public := decoded.PrivKey.PubKey().SerializeUncompressed()

	return cs.LoadKeyECKeyPair(public, decoded.PrivKey.Serialize(), nil)
}

// encodeKeyTemplate builds the TLV payload for LOAD KEY. Inner fields in order: public key
// (tag 0x80, omitted if empty), private key (tag 0x81, leading 0x00 sign byte stripped) and
// chain code (tag 0x82, omitted if empty). The outer template (tag 0xA1) uses the extended
// length form iff the inner length exceeds 127.
func encodeKeyTemplate(publicKey, privateKey, chainCode []byte) []byte {
	privateKey = stripSignByte(privateKey)

	inner := make([]byte, 0, len(publicKey)+len(privateKey)+len(chainCode)+6)

	if len(publicKey) > 0 {
		inner = append(inner, tagPublicKey, byte(len(publicKey)))
		inner = append(inner, publicKey...)
	}

	inner = append(inner, tagPrivateKey, byte(len(privateKey)))
	inner = append(inner, privateKey...)

	if len(chainCode) > 0 {
		inner = append(inner, tagChainCode, byte(len(chainCode)))
		inner = append(inner, chainCode...)
	}

	data := make([]byte, 0, len(inner)+3)
	data = append(data, tagKeyTemplate)

	if len(inner) > 127 {
		data = append(data, 0x81)
	}

	data = append(data, byte(len(inner)))
	data = append(data, inner...)

	return data
}

// stripSignByte removes the leading 0x00 that big integer encodings prepend to a scalar whose
// most significant bit is set.
func stripSignByte(b []byte) []byte {
	if len(b) > 0 && b[0] == 0x00 {
		return b[1:]
	}

	return b
}

// GenerateMnemonic requests entropy for a BIP39 mnemonic. checksumSize selects the mnemonic
// length, from 4 (12 words) to 8 (24 words). The response Data contains the word indexes as
// big endian 16 bit integers, see ParseMnemonicIndexes.
func (cs *CommandSet) GenerateMnemonic(checksumSize byte) (apdu.Rapdu, error) {
	return cs.transmitProtected(insGenerateMnemonic, checksumSize, 0x00, nil)
}

// ParseMnemonicIndexes parses the response Data of GENERATE MNEMONIC into BIP39 word list
// indexes.
func ParseMnemonicIndexes(data []byte) ([]int, error) {
	if len(data) == 0 || len(data)%2 != 0 {
		return nil, errors.Errorf("length of mnemonic Data must be a non-zero multiple of 2, got: %d", len(data))
	}

	indexes := make([]int, 0, len(data)/2)

	for i := 0; i < len(data); i += 2 {
		indexes = append(indexes, int(binary.BigEndian.Uint16(data[i:])))
	}

	return indexes, nil
}

// RemoveKey removes the key from the card, returning it to the uninitialized keyless state.
func (cs *CommandSet) RemoveKey() (apdu.Rapdu, error) {
	return cs.transmitProtected(insRemoveKey, 0x00, 0x00, nil)
}

// GenerateKey generates a new master key on the card. The response Data contains the key UID.
func (cs *CommandSet) GenerateKey() (apdu.Rapdu, error) {
	return cs.transmitProtected(insGenerateKey, 0x00, 0x00, nil)
}

// Sign signs the given 32 byte hash with the active key. The response Data contains the
// signature template.
func (cs *CommandSet) Sign(hash []byte) (apdu.Rapdu, error) {
	if len(hash) != 32 {
		return apdu.Rapdu{}, errors.Errorf("length of hash must be 32 bytes, got: %d", len(hash))
	}

	return cs.transmitProtected(insSign, 0x00, 0x00, hash)
}

// DeriveKey makes the key at the given path the active key. Data contains the path components
// as big endian 32 bit integers and source selects the starting point of the derivation, see
// the DeriveP1Source constants.
func (cs *CommandSet) DeriveKey(data []byte, source byte) (apdu.Rapdu, error) {
	switch source {
	case DeriveP1SourceMaster, DeriveP1SourceParent, DeriveP1SourceCurrent:
	default:
		return apdu.Rapdu{}, errors.Errorf("derivation source must be one of %02X, %02X or %02X, got: %02X",
			DeriveP1SourceMaster, DeriveP1SourceParent, DeriveP1SourceCurrent, source)
	}

	return cs.transmitProtected(insDeriveKey, source, 0x00, data)
}

// DeriveKeyFromPath makes the key at the given path string the active key, see
// ParseDerivationPath for the accepted format.
func (cs *CommandSet) DeriveKeyFromPath(path string) (apdu.Rapdu, error) {
	source, data, err := ParseDerivationPath(path)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return cs.DeriveKey(data, source)
}

// SetPinlessPath makes the key at the given path usable for signing without PIN verification.
// Data contains the path components as big endian 32 bit integers, an empty Data disables
// PIN-less signing.
func (cs *CommandSet) SetPinlessPath(data []byte) (apdu.Rapdu, error) {
	return cs.transmitProtected(insSetPinlessPath, 0x00, 0x00, data)
}

// SetPinlessPathFromString is SetPinlessPath for a path string. The path must be absolute,
// i.e. start with "m/".
func (cs *CommandSet) SetPinlessPathFromString(path string) (apdu.Rapdu, error) {
	source, data, err := ParseDerivationPath(path)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	if source != DeriveP1SourceMaster {
		return apdu.Rapdu{}, errors.Errorf("PIN-less path must be absolute, got: %s", path)
	}

	return cs.SetPinlessPath(data)
}

// ExportKey exports the key at the given key path index. With publicOnly only the public key
// is exported, which the applet permits without restrictions.
func (cs *CommandSet) ExportKey(keyPathIndex byte, publicOnly bool) (apdu.Rapdu, error) {
	p2 := byte(0x00)
	if publicOnly {
		p2 = 0x01
	}

	return cs.transmitProtected(insExportKey, keyPathIndex, p2, nil)
}

// GetStatus returns the status information selected by info, see the GetStatusP1 constants.
func (cs *CommandSet) GetStatus(info byte) (apdu.Rapdu, error) {
	return cs.transmitProtected(insGetStatus, info, 0x00, nil)
}

// GetKeyInitializationStatus reports whether the card has a key on board.
func (cs *CommandSet) GetKeyInitializationStatus() (bool, error) {
	status := apdu.Capdu{
		Cla: claWallet,
		Ins: insGetStatus,
		P1:  GetStatusP1Application,
		P2:  0x00,
		Ne:  apdu.MaxLenResponseDataStandard,
	}

	resp, err := cs.session.Transmit(cs.transmitter, status)
	if err != nil {
		return false, err
	}

	if !resp.IsSuccess() {
		return false, errors.Wrap(NonSuccessResponseError{Command: status, Response: resp}, "get application status")
	}

	if len(resp.Data) == 0 {
		return false, UnexpectedResponseError{Description: "application status Data is empty", Data: resp.Data}
	}

	return resp.Data[len(resp.Data)-1] != 0x00, nil
}

// SetNDEF replaces the NDEF record that the card exposes over NFC before the applet is
// selected.
func (cs *CommandSet) SetNDEF(ndef []byte) (apdu.Rapdu, error) {
	return cs.transmitProtected(insSetNDEF, 0x00, 0x00, ndef)
}
