package hwlite

import (
	"bytes"
	"crypto/rand"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// Transmitter is the interface that transmits apdu.Capdu and returns apdu.Rapdu.
type Transmitter interface {
	Transmit(capdu apdu.Capdu) (apdu.Rapdu, error)
}

const (
	// MaxPayloadLength is the maximum length of plaintext Data per wrapped CAPDU.
	MaxPayloadLength = 223
	// MaxPairingCount is the maximum number of concurrent pairings supported by the applet.
	MaxPairingCount = 5

	claWallet byte = 0x80

	insOpenSecureChannel    byte = 0x10
	insMutuallyAuthenticate byte = 0x11
	insPair                 byte = 0x12
	insUnpair               byte = 0x13

	pairP1FirstStep byte = 0x00
	pairP1LastStep  byte = 0x01
)

// PairingInfo is the long lived pairing material for one of the applet's pairing slots.
// It is established once with Session.Pair and may be persisted by the host between sessions.
type PairingInfo struct {
	Key   []byte // 32 byte pairing key.
	Index int    // Pairing slot in range 0-4.
}

// ParsePairingInfo parses PairingInfo from its persisted form
// (1 byte pairing index followed by the 32 byte pairing key).
func ParsePairingInfo(b []byte) (PairingInfo, error) {
	if len(b) != secretLength+1 {
		return PairingInfo{}, errors.Errorf("pairing info must be %d bytes long, got: %d", secretLength+1, len(b))
	}

	if b[0] >= MaxPairingCount {
		return PairingInfo{}, errors.Errorf("pairing index must be in range 0-%d, got: %d", MaxPairingCount-1, b[0])
	}

	key := make([]byte, secretLength)
	copy(key, b[1:])

	return PairingInfo{Key: key, Index: int(b[0])}, nil
}

// Bytes returns the persisted form of PairingInfo (1 byte pairing index followed by the 32 byte pairing key).
func (info PairingInfo) Bytes() []byte {
	b := make([]byte, 0, len(info.Key)+1)
	b = append(b, byte(info.Index))
	b = append(b, info.Key...)

	return b
}

// sessionKeys holds the cryptographic state of an open secure channel.
// It exists only while the channel is open, so a closed Session cannot carry keys.
type sessionKeys struct {
	enc []byte // session encryption key, used as AES-256.
	mac []byte // session MAC key, the first 16 bytes are used for AES-CMAC-128.
	iv  []byte // current chaining value, rewritten on every wrap and unwrap.
}

// Session is a secure channel session with the wallet applet.
//
// A Session advances through three states: after construction it holds no key material,
// after GenerateSecret it holds the ECDH secret derived from the card public key and
// after a successful Open it carries session keys and wraps and unwraps every APDU
// that is passed through Transmit. The secure channel is stateful: the CMAC of each
// exchanged APDU becomes the IV of the next one, so a Session must be used strictly
// sequentially. All exported methods lock the Session for the duration of a
// wrap/transmit/unwrap exchange.
type Session struct {
	publicKey []byte       // host ephemeral public key, 65 byte uncompressed point.
	secret    []byte       // 32 byte ECDH shared secret.
	pairing   *PairingInfo // nil until paired or restored with SetPairingInfo.
	keys      *sessionKeys // nil while the secure channel is closed.
	lock      sync.Mutex
}

// NewSession creates a Session. The card public key must be ingested with GenerateSecret
// before the Session can be used.
func NewSession() *Session {
	return &Session{}
}

// GenerateSecret ingests the card public key returned by the SELECT command, generates a fresh
// ephemeral keypair on the secp256k1 curve and stores the X coordinate of the ECDH result as the
// shared secret for this session. The ephemeral private key is zeroized after the agreement.
//
// Any open secure channel is closed, since ingesting a new card key invalidates the session keys.
func (session *Session) GenerateSecret(cardPublicKey []byte) error {
	session.lock.Lock()
	defer session.lock.Unlock()

	cardKey, err := btcec.ParsePubKey(cardPublicKey)
	if err != nil {
		return KeyDerivationError{Message: "parse card public key", Cause: err}
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyDerivationError{Message: "generate ephemeral keypair", Cause: err}
	}

	session.close()
	wipe(session.secret)

	session.publicKey = ephemeral.PubKey().SerializeUncompressed()
	session.secret = generateSharedSecret(ephemeral, cardKey)

	ephemeral.Zero()

	return nil
}

// SetPairingInfo restores the pairing material of a previous pairing, e.g. loaded from disk.
func (session *Session) SetPairingInfo(info PairingInfo) {
	session.lock.Lock()
	defer session.lock.Unlock()

	session.pairing = &info
}

// Pairing returns the pairing material of the Session and whether the Session is paired at all.
func (session *Session) Pairing() (PairingInfo, bool) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.pairing == nil {
		return PairingInfo{}, false
	}

	return *session.pairing, true
}

// IsOpen returns true while the secure channel is open.
func (session *Session) IsOpen() bool {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.keys != nil
}

// Pair runs the two step pairing protocol with the card. The shared secret is the pairing
// password run through DerivePairingSecret, or raw pairing secret material agreed out of band.
//
// On success the pairing key and the pairing index assigned by the card are stored in the
// Session and can be retrieved with Pairing for persistence.
func (session *Session) Pair(transmitter Transmitter, sharedSecret []byte) error {
	session.lock.Lock()
	defer session.lock.Unlock()

	challenge := make([]byte, secretLength)

	_, err := rand.Read(challenge)
	if err != nil {
		return errors.Wrap(err, "generate pairing challenge")
	}

	firstStep := apdu.Capdu{
		Cla:  claWallet,
		Ins:  insPair,
		P1:   pairP1FirstStep,
		P2:   0x00,
		Data: challenge,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := transmitter.Transmit(firstStep)
	if err != nil {
		return TransmitError{Command: firstStep, Cause: err}
	}

	if !resp.IsSuccess() {
		return errors.Wrap(NonSuccessResponseError{Command: firstStep, Response: resp}, "pair step 1")
	}

	if len(resp.Data) != 2*secretLength {
		return UnexpectedResponseError{Description: "pair step 1 response must be 64 bytes", Data: resp.Data}
	}

	cardCryptogram := resp.Data[:secretLength]
	cardChallenge := resp.Data[secretLength:]

	expectedCryptogram := calculateCryptogram(sharedSecret, challenge)
	if !bytes.Equal(expectedCryptogram, cardCryptogram) {
		return CardCryptogramError{Expected: expectedCryptogram, Received: cardCryptogram}
	}

	lastStep := apdu.Capdu{
		Cla:  claWallet,
		Ins:  insPair,
		P1:   pairP1LastStep,
		P2:   0x00,
		Data: calculateCryptogram(sharedSecret, cardChallenge),
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err = transmitter.Transmit(lastStep)
	if err != nil {
		return TransmitError{Command: lastStep, Cause: err}
	}

	if !resp.IsSuccess() {
		return errors.Wrap(NonSuccessResponseError{Command: lastStep, Response: resp}, "pair step 2")
	}

	if len(resp.Data) != secretLength+1 {
		return UnexpectedResponseError{Description: "pair step 2 response must be 33 bytes", Data: resp.Data}
	}

	// the pairing key is derived the same way as the cryptograms, from the salt in the response
	session.pairing = &PairingInfo{
		Key:   calculateCryptogram(sharedSecret, resp.Data[1:]),
		Index: int(resp.Data[0]),
	}

	return nil
}

// Open establishes the secure channel: it sends OPEN SECURE CHANNEL with the host ephemeral
// public key, derives the session keys from SHA-512 of secret, pairing key and the returned salt
// and mutually authenticates both sides. After a successful Open every CAPDU passed to Transmit
// is encrypted and authenticated.
func (session *Session) Open(transmitter Transmitter) error {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.secret == nil {
		return errors.New("no shared secret established - did you forget to call GenerateSecret?")
	}

	if session.pairing == nil {
		return errors.New("session is not paired - did you forget to call Pair or SetPairingInfo?")
	}

	// drop the keys of any previous session
	session.close()

	open := apdu.Capdu{
		Cla:  claWallet,
		Ins:  insOpenSecureChannel,
		P1:   byte(session.pairing.Index),
		P2:   0x00,
		Data: session.publicKey,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := transmitter.Transmit(open)
	if err != nil {
		return TransmitError{Command: open, Cause: err}
	}

	if !resp.IsSuccess() {
		return errors.Wrap(NonSuccessResponseError{Command: open, Response: resp}, "open secure channel")
	}

	if len(resp.Data) != secretLength+blockSize {
		return UnexpectedResponseError{Description: "open secure channel response must be 48 bytes", Data: resp.Data}
	}

	encKey, macKey := deriveSessionKeys(session.secret, session.pairing.Key, resp.Data[:secretLength])

	iv := make([]byte, blockSize)
	copy(iv, resp.Data[secretLength:])

	session.keys = &sessionKeys{enc: encKey, mac: macKey, iv: iv}

	err = session.mutuallyAuthenticate(transmitter)
	if err != nil {
		session.close()

		return err
	}

	return nil
}

// mutuallyAuthenticate proves to both sides that they derived the same session keys by
// exchanging random challenges over the freshly opened channel.
func (session *Session) mutuallyAuthenticate(transmitter Transmitter) error {
	challenge := make([]byte, secretLength)

	_, err := rand.Read(challenge)
	if err != nil {
		return errors.Wrap(err, "generate authentication challenge")
	}

	authenticate := apdu.Capdu{
		Cla:  claWallet,
		Ins:  insMutuallyAuthenticate,
		P1:   0x00,
		P2:   0x00,
		Data: challenge,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := session.transmitWrapped(transmitter, authenticate)
	if err != nil {
		return errors.Wrap(err, "mutually authenticate")
	}

	if !resp.IsSuccess() || len(resp.Data) != secretLength {
		return MutualAuthenticationError{Response: resp}
	}

	return nil
}

// Transmit wraps the given CAPDU, transmits it and unwraps the response. The returned RAPDU
// carries the plaintext Data and the status word sent by the applet inside the secure channel.
// Non-success status words of application level commands are not treated as errors.
//
// While the secure channel is closed, CAPDU and RAPDU are passed through unchanged.
func (session *Session) Transmit(transmitter Transmitter, capdu apdu.Capdu) (apdu.Rapdu, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.transmitWrapped(transmitter, capdu)
}

func (session *Session) transmitWrapped(transmitter Transmitter, capdu apdu.Capdu) (apdu.Rapdu, error) {
	wrapped, err := session.wrap(capdu)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "wrap CAPDU")
	}

	resp, err := transmitter.Transmit(wrapped)
	if err != nil {
		// the host IV has advanced but the card IV has not - the channel cannot be recovered
		session.close()

		return apdu.Rapdu{}, TransmitError{Command: wrapped, Cause: err}
	}

	return session.unwrap(resp)
}

// wrap encrypts and authenticates the Data field of the given CAPDU. The ciphertext is
// prepended with the CMAC calculated over the command header and the ciphertext, and the
// CMAC becomes the IV for the next exchange. A CAPDU passed to wrap while the secure
// channel is closed is returned unchanged.
func (session *Session) wrap(capdu apdu.Capdu) (apdu.Capdu, error) {
	if session.keys == nil {
		return capdu, nil
	}

	if len(capdu.Data) > MaxPayloadLength {
		return apdu.Capdu{}, errors.Errorf("length of plaintext Data must not exceed %d bytes, got: %d", MaxPayloadLength, len(capdu.Data))
	}

	encrypted, err := encryptISO7816(session.keys.enc, session.keys.iv, capdu.Data)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(err, "encrypt command Data field")
	}

	meta := make([]byte, blockSize)
	meta[0] = capdu.Cla
	meta[1] = capdu.Ins
	meta[2] = capdu.P1
	meta[3] = capdu.P2
	meta[4] = byte(len(encrypted) + blockSize)

	tag, err := aesCMAC(session.keys.mac, meta, encrypted)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(err, "calculate command C-MAC")
	}

	session.keys.iv = tag

	data := make([]byte, 0, len(tag)+len(encrypted))
	data = append(data, tag...)
	data = append(data, encrypted...)

	capdu.Data = data

	return capdu, nil
}

// unwrap verifies and decrypts the Data field of the given RAPDU. The first 16 bytes of the
// response Data are the MAC, the remainder is the ciphertext whose plaintext carries the
// actual response Data followed by the actual status word.
//
// A status word of 0x6982 closes the secure channel and is returned to the caller as-is.
// A RAPDU received while the secure channel is closed is returned unchanged.
func (session *Session) unwrap(rapdu apdu.Rapdu) (apdu.Rapdu, error) {
	if rapdu.SW1 == 0x69 && rapdu.SW2 == 0x82 {
		// the card has lost the session state, e.g. after a reset
		session.close()

		return rapdu, nil
	}

	if session.keys == nil {
		return rapdu, nil
	}

	if len(rapdu.Data) < 2*blockSize || len(rapdu.Data)%blockSize != 0 {
		session.close()

		return apdu.Rapdu{}, UnexpectedResponseError{Description: "wrapped response Data must be at least two blocks long", Data: rapdu.Data}
	}

	meta := make([]byte, blockSize)
	meta[0] = byte(len(rapdu.Data))

	receivedMac := rapdu.Data[:blockSize]
	encrypted := rapdu.Data[blockSize:]

	plain, err := decryptISO7816(session.keys.enc, session.keys.iv, encrypted)
	if err != nil {
		session.close()

		return apdu.Rapdu{}, errors.Wrap(err, "decrypt response Data field")
	}

	tag, err := aesCMAC(session.keys.mac, meta, encrypted)
	if err != nil {
		session.close()

		return apdu.Rapdu{}, errors.Wrap(err, "calculate response C-MAC")
	}

	// the IV advances even if the MAC comparison fails - a broken channel is never rolled back
	session.keys.iv = tag

	if !bytes.Equal(tag, receivedMac) {
		expected := make([]byte, len(tag))
		copy(expected, tag)

		session.close()

		return apdu.Rapdu{}, InvalidMacError{Expected: expected, Received: receivedMac}
	}

	if len(plain) < 2 {
		session.close()

		return apdu.Rapdu{}, UnexpectedResponseError{Description: "response plaintext must contain a status word", Data: plain}
	}

	return apdu.Rapdu{
		Data: plain[:len(plain)-2],
		SW1:  plain[len(plain)-2],
		SW2:  plain[len(plain)-1],
	}, nil
}

// OneShotEncrypt encrypts the payload of the INIT command. INIT is the only encrypted command
// that is exchanged outside a session: the Data is encrypted with the ECDH secret itself under
// a random IV and carries the host ephemeral public key in the clear, so that the card can run
// the same key agreement.
func (session *Session) OneShotEncrypt(initData []byte) ([]byte, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.secret == nil {
		return nil, errors.New("no shared secret established - did you forget to call GenerateSecret?")
	}

	iv := make([]byte, blockSize)

	_, err := rand.Read(iv)
	if err != nil {
		return nil, errors.Wrap(err, "generate IV")
	}

	encrypted, err := encryptISO7816(session.secret, iv, initData)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt INIT Data")
	}

	payload := make([]byte, 0, 1+len(session.publicKey)+len(iv)+len(encrypted))
	payload = append(payload, byte(len(session.publicKey)))
	payload = append(payload, session.publicKey...)
	payload = append(payload, iv...)
	payload = append(payload, encrypted...)

	return payload, nil
}

// Unpair removes the pairing with the given index from the card. The command is sent through
// the secure channel, which must be open.
func (session *Session) Unpair(transmitter Transmitter, index byte) error {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.unpair(transmitter, index)
}

// UnpairOthers removes all pairings except the one used by this Session, iterating over the
// pairing slots in ascending order. The first non-success response aborts the iteration.
func (session *Session) UnpairOthers(transmitter Transmitter) error {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.pairing == nil {
		return errors.New("session is not paired - did you forget to call Pair or SetPairingInfo?")
	}

	for i := 0; i < MaxPairingCount; i++ {
		if i == session.pairing.Index {
			continue
		}

		err := session.unpair(transmitter, byte(i))
		if err != nil {
			return err
		}
	}

	return nil
}

func (session *Session) unpair(transmitter Transmitter, index byte) error {
	unpair := apdu.Capdu{
		Cla: claWallet,
		Ins: insUnpair,
		P1:  index,
		P2:  0x00,
		Ne:  apdu.MaxLenResponseDataStandard,
	}

	resp, err := session.transmitWrapped(transmitter, unpair)
	if err != nil {
		return errors.Wrapf(err, "unpair index %d", index)
	}

	if !resp.IsSuccess() {
		return errors.Wrapf(NonSuccessResponseError{Command: unpair, Response: resp}, "unpair index %d", index)
	}

	return nil
}

// Reset closes the secure channel and zeroizes the session state including the ECDH secret.
// The pairing material is kept. The applet must be selected again before a new session
// can be opened.
func (session *Session) Reset() {
	session.lock.Lock()
	defer session.lock.Unlock()

	session.close()
	wipe(session.secret)

	session.secret = nil
	session.publicKey = nil
}

// close zeroizes the session keys and marks the secure channel as closed.
func (session *Session) close() {
	if session.keys == nil {
		return
	}

	wipe(session.keys.enc)
	wipe(session.keys.mac)
	wipe(session.keys.iv)

	session.keys = nil
}
