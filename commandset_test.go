package hwlite

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/go-cmp/cmp"
	"github.com/skythen/apdu"
)

// scriptedTransmitter implements Transmitter and answers with canned responses. It is used
// with a closed session, where CAPDU and RAPDU pass through the session unchanged and the
// exact command shapes can be asserted.
type scriptedTransmitter struct {
	t         *testing.T
	responses []apdu.Rapdu
	received  []apdu.Capdu
}

func (script *scriptedTransmitter) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	script.t.Helper()

	script.received = append(script.received, capdu)

	if len(script.responses) == 0 {
		script.t.Fatalf("unexpected CAPDU: %s", capdu.String())
	}

	resp := script.responses[0]
	script.responses = script.responses[1:]

	return resp, nil
}

func success(data []byte) apdu.Rapdu {
	return apdu.Rapdu{Data: data, SW1: 0x90, SW2: 0x00}
}

func TestCommandSetSelect(t *testing.T) {
	card := newSimulatedCard(t, nil)
	card.initialized = true

	cs := NewCommandSet(card)

	info, err := cs.Select()
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	if !info.Initialized {
		t.Fatal("expected an initialized card")
	}

	if diff := cmp.Diff(card.publicKey(), info.PublicKey); diff != "" {
		t.Fatalf("unexpected card public key (-want +got):\n%s", diff)
	}

	sel := card.received[0]

	if sel.Cla != claISO || sel.Ins != insSelect || sel.P1 != selectP1ByName || sel.P2 != 0x00 {
		t.Fatalf("unexpected SELECT header: %s", sel.String())
	}

	if diff := cmp.Diff(appletAID, sel.Data); diff != "" {
		t.Fatalf("unexpected AID (-want +got):\n%s", diff)
	}
}

func TestCommandSetSelectUninitializedCard(t *testing.T) {
	card := newSimulatedCard(t, nil)

	cs := NewCommandSet(card)

	info, err := cs.Select()
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	if info.Initialized {
		t.Fatal("expected an uninitialized card")
	}

	if diff := cmp.Diff(card.publicKey(), info.PublicKey); diff != "" {
		t.Fatalf("unexpected card public key (-want +got):\n%s", diff)
	}
}

func TestParseApplicationInfo(t *testing.T) {
	template := make([]byte, 0, 25)
	template = append(template, tagApplicationInfoTemplate, 0x17)
	template = append(template, 0x8F, 0x10)
	template = append(template, make([]byte, 16)...)
	template = append(template, tagPublicKey, 0x03, 0xCA, 0xFE, 0xBA)

	tests := []struct {
		name                string
		data                []byte
		expectedInitialized bool
		expectedKey         []byte
		expectError         bool
	}{
		{
			name:                "application info template",
			data:                template,
			expectedInitialized: true,
			expectedKey:         []byte{0xCA, 0xFE, 0xBA},
		},
		{
			name:                "bare public key",
			data:                []byte{tagPublicKey, 0x02, 0xCA, 0xFE},
			expectedInitialized: false,
			expectedKey:         []byte{0xCA, 0xFE},
		},
		{
			name:        "empty response",
			data:        nil,
			expectError: true,
		},
		{
			name:        "unknown template",
			data:        []byte{0x6F, 0x02, 0x01, 0x02},
			expectError: true,
		},
		{
			name:        "truncated template",
			data:        []byte{tagApplicationInfoTemplate, 0x02, 0x01, 0x02},
			expectError: true,
		},
		{
			name:        "key length beyond data",
			data:        append(template[:22:22], 0xCA),
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info, err := parseApplicationInfo(tc.data)
			if tc.expectError {
				if err == nil {
					t.Fatal("expected error, got none")
				}

				return
			}

			if err != nil {
				t.Fatalf("parseApplicationInfo returned error: %v", err)
			}

			if info.Initialized != tc.expectedInitialized {
				t.Fatalf("expected initialized %t, got %t", tc.expectedInitialized, info.Initialized)
			}

			if diff := cmp.Diff(tc.expectedKey, info.PublicKey); diff != "" {
				t.Fatalf("unexpected public key (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandSetPairOpenAndTransmit(t *testing.T) {
	card := newSimulatedCard(t, DerivePairingSecret("123456"))
	card.initialized = true

	cs := NewCommandSet(card)

	if _, err := cs.Select(); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	if err := cs.AutoPair("123456"); err != nil {
		t.Fatalf("AutoPair returned error: %v", err)
	}

	if err := cs.OpenSecureChannel(); err != nil {
		t.Fatalf("OpenSecureChannel returned error: %v", err)
	}

	if !cs.Session().IsOpen() {
		t.Fatal("expected the secure channel to be open")
	}

	resp, err := cs.VerifyPIN("123456")
	if err != nil {
		t.Fatalf("VerifyPIN returned error: %v", err)
	}

	if !resp.IsSuccess() {
		t.Fatalf("expected success, got %s", resp.String())
	}

	if !bytes.Equal([]byte("123456"), resp.Data) {
		t.Fatalf("expected the PIN to be echoed, got %02X", resp.Data)
	}
}

func TestCommandSetInit(t *testing.T) {
	card := newSimulatedCard(t, nil)

	cs := NewCommandSet(card)

	info, err := cs.Select()
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	if info.Initialized {
		t.Fatal("expected an uninitialized card")
	}

	sharedSecret := bytes.Repeat([]byte{0xAB}, secretLength)

	resp, err := cs.Init("123456", "123456789012", sharedSecret)
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if !resp.IsSuccess() {
		t.Fatalf("expected success, got %s", resp.String())
	}

	initialize := card.received[len(card.received)-1]

	if initialize.Cla != claWallet || initialize.Ins != insInit || initialize.P1 != 0x00 || initialize.P2 != 0x00 {
		t.Fatalf("unexpected INIT header: %s", initialize.String())
	}

	if initialize.Data[0] != 0x41 {
		t.Fatalf("expected public key length 0x41, got %02X", initialize.Data[0])
	}

	// 6 byte PIN, 12 byte PUK and the 32 byte secret pad to 64 bytes of ciphertext
	if len(initialize.Data) != 1+65+blockSize+64 {
		t.Fatalf("expected a %d byte payload, got %d", 1+65+blockSize+64, len(initialize.Data))
	}

	hostKey, err := btcec.ParsePubKey(initialize.Data[1:66])
	if err != nil {
		t.Fatalf("parse host public key: %v", err)
	}

	plain, err := decryptISO7816(generateSharedSecret(card.identity, hostKey), initialize.Data[66:82], initialize.Data[82:])
	if err != nil {
		t.Fatalf("decrypt INIT payload: %v", err)
	}

	expected := make([]byte, 0, 50)
	expected = append(expected, "123456"...)
	expected = append(expected, "123456789012"...)
	expected = append(expected, sharedSecret...)

	if diff := cmp.Diff(expected, plain); diff != "" {
		t.Fatalf("unexpected INIT plaintext (-want +got):\n%s", diff)
	}
}

func TestCommandSetSign(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	hash := bytes.Repeat([]byte{0x5A}, 32)

	if _, err := cs.Sign(hash); err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Cla != claWallet || sent.Ins != insSign || sent.P1 != 0x00 || sent.P2 != 0x00 {
		t.Fatalf("unexpected SIGN header: %s", sent.String())
	}

	if diff := cmp.Diff(hash, sent.Data); diff != "" {
		t.Fatalf("unexpected SIGN Data (-want +got):\n%s", diff)
	}
}

func TestCommandSetSignRejectsInvalidHashLength(t *testing.T) {
	script := &scriptedTransmitter{t: t}
	cs := NewCommandSet(script)

	for _, length := range []int{0, 31, 33} {
		if _, err := cs.Sign(make([]byte, length)); err == nil {
			t.Fatalf("expected error for a %d byte hash, got none", length)
		}
	}

	if len(script.received) != 0 {
		t.Fatal("expected no transmission for an invalid hash")
	}
}

func TestCommandSetChangePIN(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	if _, err := cs.ChangePIN(ChangePINP1PairingSecret, []byte("234567")); err != nil {
		t.Fatalf("ChangePIN returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Ins != insChangePIN || sent.P1 != ChangePINP1PairingSecret {
		t.Fatalf("unexpected CHANGE PIN header: %s", sent.String())
	}

	if _, err := cs.ChangePIN(0x04, []byte("234567")); err == nil {
		t.Fatal("expected error for an invalid PIN type, got none")
	}

	if len(script.received) != 1 {
		t.Fatal("expected no transmission for an invalid PIN type")
	}
}

func TestCommandSetUnblockPIN(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	if _, err := cs.UnblockPIN("123456789012", "654321"); err != nil {
		t.Fatalf("UnblockPIN returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Ins != insUnblockPIN || sent.P1 != 0x00 || sent.P2 != 0x00 {
		t.Fatalf("unexpected UNBLOCK PIN header: %s", sent.String())
	}

	if !bytes.Equal([]byte("123456789012654321"), sent.Data) {
		t.Fatalf("expected PUK and new PIN to be concatenated, got %02X", sent.Data)
	}
}

func TestCommandSetVerifyPINWrongPIN(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{{SW1: 0x63, SW2: 0xC2}}}
	cs := NewCommandSet(script)

	resp, err := cs.VerifyPIN("000000")
	if err != nil {
		t.Fatalf("VerifyPIN returned error: %v", err)
	}

	if resp.IsSuccess() {
		t.Fatal("expected a non-success response")
	}

	if resp.SW1 != 0x63 || resp.SW2&0x0F != 0x02 {
		t.Fatalf("expected two remaining attempts, got %s", resp.String())
	}
}

func TestCommandSetLoadKeyShapes(t *testing.T) {
	public := make([]byte, 65)
	public[0] = 0x04
	for i := 1; i < len(public); i++ {
		public[i] = byte(i)
	}

	private := bytes.Repeat([]byte{0x7B}, 32)
	chain := bytes.Repeat([]byte{0x2C}, 32)
	signedPrivate := append([]byte{0x00}, private...)

	seedForm := make([]byte, 0, 64)
	seedForm = append(seedForm, private...)
	seedForm = append(seedForm, chain...)

	plainTLV := make([]byte, 0, 103)
	plainTLV = append(plainTLV, tagKeyTemplate, 0x65)
	plainTLV = append(plainTLV, tagPublicKey, 0x41)
	plainTLV = append(plainTLV, public...)
	plainTLV = append(plainTLV, tagPrivateKey, 0x20)
	plainTLV = append(plainTLV, private...)

	extendedTLV := make([]byte, 0, 138)
	extendedTLV = append(extendedTLV, tagKeyTemplate, 0x81, 0x87)
	extendedTLV = append(extendedTLV, tagPublicKey, 0x41)
	extendedTLV = append(extendedTLV, public...)
	extendedTLV = append(extendedTLV, tagPrivateKey, 0x20)
	extendedTLV = append(extendedTLV, private...)
	extendedTLV = append(extendedTLV, tagChainCode, 0x20)
	extendedTLV = append(extendedTLV, chain...)

	omittedTLV := make([]byte, 0, 70)
	omittedTLV = append(omittedTLV, tagKeyTemplate, 0x44)
	omittedTLV = append(omittedTLV, tagPrivateKey, 0x20)
	omittedTLV = append(omittedTLV, private...)
	omittedTLV = append(omittedTLV, tagChainCode, 0x20)
	omittedTLV = append(omittedTLV, chain...)

	tests := []struct {
		name       string
		load       func(cs *CommandSet) (apdu.Rapdu, error)
		expectedP1 byte
		expected   []byte
	}{
		{
			name: "seed form strips the sign byte",
			load: func(cs *CommandSet) (apdu.Rapdu, error) {
				return cs.LoadKeySeed(signedPrivate, chain)
			},
			expectedP1: LoadKeyP1Seed,
			expected:   seedForm,
		},
		{
			name: "keypair without chain code",
			load: func(cs *CommandSet) (apdu.Rapdu, error) {
				return cs.LoadKeyECKeyPair(public, private, nil)
			},
			expectedP1: LoadKeyP1ECKeyPair,
			expected:   plainTLV,
		},
		{
			name: "keypair with chain code uses the extended length form",
			load: func(cs *CommandSet) (apdu.Rapdu, error) {
				return cs.LoadKeyECKeyPair(public, signedPrivate, chain)
			},
			expectedP1: LoadKeyP1ExtendedECKeyPair,
			expected:   extendedTLV,
		},
		{
			name: "omitted public key",
			load: func(cs *CommandSet) (apdu.Rapdu, error) {
				return cs.LoadKeyECKeyPair(nil, private, chain)
			},
			expectedP1: LoadKeyP1ExtendedECKeyPair,
			expected:   omittedTLV,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
			cs := NewCommandSet(script)

			if _, err := tc.load(cs); err != nil {
				t.Fatalf("load returned error: %v", err)
			}

			sent := script.received[0]

			if sent.Ins != insLoadKey {
				t.Fatalf("expected INS %02X, got %02X", insLoadKey, sent.Ins)
			}

			if sent.P1 != tc.expectedP1 {
				t.Fatalf("expected P1 %02X, got %02X", tc.expectedP1, sent.P1)
			}

			if diff := cmp.Diff(tc.expected, sent.Data); diff != "" {
				t.Fatalf("unexpected LOAD KEY Data (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeKeyTemplateLengthBoundary(t *testing.T) {
	short := encodeKeyTemplate(nil, bytes.Repeat([]byte{0x7F}, 125), nil)

	if short[1] != 0x7F {
		t.Fatalf("expected a single byte length of 0x7F, got %02X", short[1])
	}

	if len(short) != 129 {
		t.Fatalf("expected a 129 byte template, got %d", len(short))
	}

	extended := encodeKeyTemplate(nil, bytes.Repeat([]byte{0x7F}, 126), nil)

	if extended[1] != 0x81 || extended[2] != 0x80 {
		t.Fatalf("expected the extended length form 81 80, got %02X %02X", extended[1], extended[2])
	}

	if len(extended) != 131 {
		t.Fatalf("expected a 131 byte template, got %d", len(extended))
	}
}

func TestCommandSetLoadKeyWIF(t *testing.T) {
	private, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate private key: %v", err)
	}

	wif, err := btcutil.NewWIF(private, &chaincfg.MainNetParams, true)
	if err != nil {
		t.Fatalf("encode WIF: %v", err)
	}

	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	if _, err := cs.LoadKeyWIF(wif.String()); err != nil {
		t.Fatalf("LoadKeyWIF returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Ins != insLoadKey || sent.P1 != LoadKeyP1ECKeyPair {
		t.Fatalf("unexpected LOAD KEY header: %s", sent.String())
	}

	expected := encodeKeyTemplate(private.PubKey().SerializeUncompressed(), private.Serialize(), nil)

	if diff := cmp.Diff(expected, sent.Data); diff != "" {
		t.Fatalf("unexpected LOAD KEY Data (-want +got):\n%s", diff)
	}

	if _, err := cs.LoadKeyWIF("not a wif"); err == nil {
		t.Fatal("expected error for an invalid WIF, got none")
	}
}

func TestCommandSetDeriveKey(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	if _, err := cs.DeriveKey(nil, 0x20); err == nil {
		t.Fatal("expected error for an invalid derivation source, got none")
	}

	if len(script.received) != 0 {
		t.Fatal("expected no transmission for an invalid derivation source")
	}

	if _, err := cs.DeriveKeyFromPath("m/44'/60'/0'/0/0"); err != nil {
		t.Fatalf("DeriveKeyFromPath returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Ins != insDeriveKey || sent.P1 != DeriveP1SourceMaster {
		t.Fatalf("unexpected DERIVE KEY header: %s", sent.String())
	}

	expected := []byte{
		0x80, 0x00, 0x00, 0x2C,
		0x80, 0x00, 0x00, 0x3C,
		0x80, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	if diff := cmp.Diff(expected, sent.Data); diff != "" {
		t.Fatalf("unexpected DERIVE KEY Data (-want +got):\n%s", diff)
	}
}

func TestCommandSetSetPinlessPath(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	if _, err := cs.SetPinlessPathFromString("../0"); err == nil {
		t.Fatal("expected error for a relative PIN-less path, got none")
	}

	if _, err := cs.SetPinlessPathFromString("m/44'/60'"); err != nil {
		t.Fatalf("SetPinlessPathFromString returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Ins != insSetPinlessPath || sent.P1 != 0x00 || sent.P2 != 0x00 {
		t.Fatalf("unexpected SET PINLESS PATH header: %s", sent.String())
	}

	if len(sent.Data) != 8 {
		t.Fatalf("expected 8 bytes of path Data, got %d", len(sent.Data))
	}
}

func TestCommandSetExportKey(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil), success(nil)}}
	cs := NewCommandSet(script)

	if _, err := cs.ExportKey(0x02, true); err != nil {
		t.Fatalf("ExportKey returned error: %v", err)
	}

	if _, err := cs.ExportKey(0x00, false); err != nil {
		t.Fatalf("ExportKey returned error: %v", err)
	}

	publicOnly := script.received[0]

	if publicOnly.Ins != insExportKey || publicOnly.P1 != 0x02 || publicOnly.P2 != 0x01 {
		t.Fatalf("unexpected EXPORT KEY header: %s", publicOnly.String())
	}

	if len(publicOnly.Data) != 0 {
		t.Fatal("expected EXPORT KEY to carry no Data")
	}

	full := script.received[1]

	if full.P1 != 0x00 || full.P2 != 0x00 {
		t.Fatalf("unexpected EXPORT KEY header: %s", full.String())
	}
}

func TestCommandSetMnemonic(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	if _, err := cs.GenerateMnemonic(4); err != nil {
		t.Fatalf("GenerateMnemonic returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Ins != insGenerateMnemonic || sent.P1 != 0x04 {
		t.Fatalf("unexpected GENERATE MNEMONIC header: %s", sent.String())
	}

	indexes, err := ParseMnemonicIndexes([]byte{0x00, 0x01, 0x07, 0xFF})
	if err != nil {
		t.Fatalf("ParseMnemonicIndexes returned error: %v", err)
	}

	if diff := cmp.Diff([]int{1, 2047}, indexes); diff != "" {
		t.Fatalf("unexpected mnemonic indexes (-want +got):\n%s", diff)
	}

	if _, err := ParseMnemonicIndexes([]byte{0x00}); err == nil {
		t.Fatal("expected error for odd Data length, got none")
	}

	if _, err := ParseMnemonicIndexes(nil); err == nil {
		t.Fatal("expected error for empty Data, got none")
	}
}

func TestCommandSetRemoveAndGenerateKey(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil), success([]byte{0x01, 0x02})}}
	cs := NewCommandSet(script)

	if _, err := cs.RemoveKey(); err != nil {
		t.Fatalf("RemoveKey returned error: %v", err)
	}

	if _, err := cs.GenerateKey(); err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}

	if script.received[0].Ins != insRemoveKey {
		t.Fatalf("expected INS %02X, got %02X", insRemoveKey, script.received[0].Ins)
	}

	if script.received[1].Ins != insGenerateKey {
		t.Fatalf("expected INS %02X, got %02X", insGenerateKey, script.received[1].Ins)
	}

	for _, sent := range script.received {
		if len(sent.Data) != 0 {
			t.Fatalf("expected no Data, got %02X", sent.Data)
		}
	}
}

func TestCommandSetGetKeyInitializationStatus(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{
		success([]byte{0x02, 0x03, 0x01}),
		success([]byte{0x02, 0x03, 0x00}),
		{SW1: 0x6A, SW2: 0x86},
	}}
	cs := NewCommandSet(script)

	initialized, err := cs.GetKeyInitializationStatus()
	if err != nil {
		t.Fatalf("GetKeyInitializationStatus returned error: %v", err)
	}

	if !initialized {
		t.Fatal("expected the key to be initialized")
	}

	sent := script.received[0]

	if sent.Ins != insGetStatus || sent.P1 != GetStatusP1Application {
		t.Fatalf("unexpected GET STATUS header: %s", sent.String())
	}

	initialized, err = cs.GetKeyInitializationStatus()
	if err != nil {
		t.Fatalf("GetKeyInitializationStatus returned error: %v", err)
	}

	if initialized {
		t.Fatal("expected the key to be uninitialized")
	}

	if _, err := cs.GetKeyInitializationStatus(); err == nil {
		t.Fatal("expected error for a non-success status word, got none")
	}
}

func TestCommandSetSetNDEF(t *testing.T) {
	script := &scriptedTransmitter{t: t, responses: []apdu.Rapdu{success(nil)}}
	cs := NewCommandSet(script)

	ndef := []byte{0x00, 0x0F, 0xD1, 0x01, 0x0B, 0x55, 0x01}

	if _, err := cs.SetNDEF(ndef); err != nil {
		t.Fatalf("SetNDEF returned error: %v", err)
	}

	sent := script.received[0]

	if sent.Ins != insSetNDEF || sent.P1 != 0x00 || sent.P2 != 0x00 {
		t.Fatalf("unexpected SET NDEF header: %s", sent.String())
	}

	if diff := cmp.Diff(ndef, sent.Data); diff != "" {
		t.Fatalf("unexpected SET NDEF Data (-want +got):\n%s", diff)
	}
}

func TestCommandSetUnpairOthersAfterPairing(t *testing.T) {
	secret := DerivePairingSecret("123456")
	card := newSimulatedCard(t, secret)
	card.initialized = true

	for i := 0; i < MaxPairingCount; i++ {
		card.pairings[i] = calculateCryptogram(secret, []byte{byte(i)})
	}
	card.nextSlot = MaxPairingCount

	cs := NewCommandSet(card)

	if _, err := cs.Select(); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	cs.Session().SetPairingInfo(PairingInfo{Key: card.pairings[1], Index: 1})

	if err := cs.OpenSecureChannel(); err != nil {
		t.Fatalf("OpenSecureChannel returned error: %v", err)
	}

	if err := cs.UnpairOthers(); err != nil {
		t.Fatalf("UnpairOthers returned error: %v", err)
	}

	if len(card.pairings) != 1 {
		t.Fatalf("expected one remaining pairing, got %d", len(card.pairings))
	}

	if err := cs.AutoUnpair(); err != nil {
		t.Fatalf("AutoUnpair returned error: %v", err)
	}

	if len(card.pairings) != 0 {
		t.Fatalf("expected no remaining pairings, got %d", len(card.pairings))
	}
}
