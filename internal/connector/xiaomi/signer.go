package xiaomi

import (
	"bytes"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"
)

// rc4Drop is the number of keystream bytes discarded before use. The server
// implements the same RC4-drop1024 variant, so the count must not change.
const rc4Drop = 1024

const nonceSize = 12

// newNonce returns 8 random bytes followed by the big-endian minute counter
// of now.
func newNonce(now time.Time) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce[:8]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	binary.BigEndian.PutUint32(nonce[8:], uint32(now.Unix()/60))
	return nonce, nil
}

// signedKey derives the per-request key SHA-256(ssecurity || nonce).
func signedKey(security, nonce []byte) []byte {
	h := sha256.New()
	h.Write(security)
	h.Write(nonce)
	return h.Sum(nil)
}

// rc4Crypt runs data through a fresh RC4-drop1024 stream keyed with key.
// Every value gets its own stream; encryption and decryption are the same.
func rc4Crypt(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rc4 cipher: %w", err)
	}
	drop := make([]byte, rc4Drop)
	c.XORKeyStream(drop, drop)

	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

func sha1Base64(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// signedRequest is the encoded form of one call.
type signedRequest struct {
	key  []byte
	form url.Values
}

// signRequest encrypts and signs rawJSON for a POST to path.
func signRequest(path string, rawJSON []byte, security, nonce []byte) (*signedRequest, error) {
	key := signedKey(security, nonce)
	keyB64 := base64.StdEncoding.EncodeToString(key)

	rc4Hash := sha1Base64("POST&" + path + "&data=" + string(rawJSON) + "&" + keyB64)

	encData, err := rc4Crypt(key, rawJSON)
	if err != nil {
		return nil, err
	}
	encHash, err := rc4Crypt(key, []byte(rc4Hash))
	if err != nil {
		return nil, err
	}
	encDataB64 := base64.StdEncoding.EncodeToString(encData)
	encHashB64 := base64.StdEncoding.EncodeToString(encHash)

	signature := sha1Base64("POST&" + path + "&data=" + encDataB64 + "&rc4_hash__=" + encHashB64 + "&" + keyB64)

	form := url.Values{}
	form.Set("data", encDataB64)
	form.Set("rc4_hash__", encHashB64)
	form.Set("signature", signature)
	form.Set("_nonce", base64.StdEncoding.EncodeToString(nonce))
	return &signedRequest{key: key, form: form}, nil
}

// decryptBody reverses the server's base64 + RC4 response encoding.
func decryptBody(key, body []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return rc4Crypt(key, raw)
}
