package hwlite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/aead/cmac"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// secretLength is the length of the ECDH shared secret and of all derived keys.
	secretLength = 32
	// blockSize is the AES block size used for encryption, padding and MAC calculation.
	blockSize = 16

	pairingSalt       = "Status Hardware Wallet Lite"
	pairingIterations = 50000
)

// DerivePairingSecret derives the 32 byte pairing shared secret from a pairing password with
// PBKDF2-HMAC-SHA-256. Salt and iteration count are fixed by the applet and must not be changed.
func DerivePairingSecret(password string) []byte {
	return pbkdf2.Key([]byte(password), []byte(pairingSalt), pairingIterations, secretLength, sha256.New)
}

// calculateCryptogram calculates a pairing cryptogram as SHA-256 over the shared secret
// followed by the challenge. The pairing key derivation uses the same construction with
// the pairing salt in place of the challenge.
func calculateCryptogram(sharedSecret, challenge []byte) []byte {
	h := sha256.New()
	h.Write(sharedSecret)
	h.Write(challenge)

	return h.Sum(nil)
}

// Pad80 takes Data and a block size (must be a multiple of 8) and appends '80' and zero bytes to Data until
// the length of the resulting []byte reaches a multiple of the block size and returns the padded Data.
// If force is false, the padding will only be applied, if length of Data is not a multiple of the block size.
// If force is true, the padding will be applied anyways.
func Pad80(b []byte, blocksize int, force bool) ([]byte, error) {
	if blocksize%8 != 0 {
		return nil, errors.New("block size must be a multiple of 8")
	}

	rest := len(b) % blocksize
	if rest != 0 || force {
		padded := make([]byte, len(b)+blocksize-rest)
		copy(padded, b)
		padded[len(b)] = 0x80

		return padded, nil
	}

	return b, nil
}

// unpad80 removes ISO/IEC 7816-4 padding from b and returns the payload.
func unpad80(b []byte) ([]byte, error) {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case 0x00:
			continue
		case 0x80:
			return b[:i], nil
		default:
			return nil, errors.New("invalid ISO/IEC 7816-4 padding")
		}
	}

	return nil, errors.New("invalid ISO/IEC 7816-4 padding")
}

// encryptISO7816 applies ISO/IEC 7816-4 padding to src and encrypts it with AES in CBC mode.
// The full 32 bytes of key are used, i.e. AES-256.
func encryptISO7816(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher from key")
	}

	padded, err := Pad80(src, blockSize, true)
	if err != nil {
		return nil, errors.Wrap(err, "pad Data for encryption")
	}

	encrypter := cipher.NewCBCEncrypter(block, iv)
	encrypter.CryptBlocks(padded, padded)

	return padded, nil
}

// decryptISO7816 decrypts src with AES in CBC mode and removes the ISO/IEC 7816-4 padding.
func decryptISO7816(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher from key")
	}

	if len(src) == 0 || len(src)%block.BlockSize() != 0 {
		return nil, errors.Errorf("ciphertext length must be a non-zero multiple of %d, got: %d", block.BlockSize(), len(src))
	}

	plain := make([]byte, len(src))
	decrypter := cipher.NewCBCDecrypter(block, iv)
	decrypter.CryptBlocks(plain, src)

	return unpad80(plain)
}

// aesCMAC calculates the AES-CMAC-128 tag over meta followed by data.
// Only the first 16 bytes of the session MAC key are used, i.e. AES-128.
func aesCMAC(key, meta, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:blockSize])
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher from MAC key")
	}

	mac, err := cmac.NewWithTagSize(block, block.BlockSize())
	if err != nil {
		return nil, errors.Wrap(err, "create CMAC from AES cipher")
	}

	_, err = mac.Write(meta)
	if err != nil {
		return nil, errors.Wrap(err, "write meta to CMAC")
	}

	_, err = mac.Write(data)
	if err != nil {
		return nil, errors.Wrap(err, "write Data to CMAC")
	}

	return mac.Sum(nil), nil
}

// generateSharedSecret runs ECDH on the secp256k1 curve and returns the X coordinate
// of the resulting point as the 32 byte shared secret.
func generateSharedSecret(privateKey *secp256k1.PrivateKey, publicKey *secp256k1.PublicKey) []byte {
	var point, result secp256k1.JacobianPoint

	publicKey.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&privateKey.Key, &point, &result)
	result.ToAffine()

	xBytes := result.X.Bytes()

	return xBytes[:]
}

// deriveSessionKeys derives the session encryption and MAC keys from the ECDH secret,
// the pairing key and the salt returned by OPEN SECURE CHANNEL.
func deriveSessionKeys(secret, pairingKey, salt []byte) (encKey, macKey []byte) {
	h := sha512.New()
	h.Write(secret)
	h.Write(pairingKey)
	h.Write(salt)
	keyData := h.Sum(nil)

	return keyData[:secretLength], keyData[secretLength:]
}

// wipe overwrites b with zero bytes.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0x00
	}
}
