package psktls

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
)

const maxRecordPayload = 1 << 14 // RFC 5246 §6.2.1

// cipherState holds one direction's (read or write) negotiated key
// material and sequence counter. A nil *cipherState means "plaintext",
// used for handshake records sent before ChangeCipherSpec.
type cipherState struct {
	params suiteParams
	macKey []byte
	encKey []byte
	seq    uint64
}

func (cs *cipherState) nextSeqBytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, cs.seq)
	cs.seq++
	return b
}

func macFor(p suiteParams, macKey []byte) hash.Hash {
	return hmac.New(p.macHash, macKey)
}

// writeRecord frames and, if cs is non-nil, MACs and encrypts payload
// as one TLS record, then writes it to w.
func writeRecord(w io.Writer, contentType byte, payload []byte, cs *cipherState) error {
	if len(payload) > maxRecordPayload {
		return fmt.Errorf("psktls: record payload too large (%d bytes)", len(payload))
	}
	var fragment []byte
	if cs == nil {
		fragment = payload
	} else {
		fragment = protectFragment(contentType, payload, cs)
	}
	header := make([]byte, 5)
	header[0] = contentType
	header[1], header[2] = tls12VersionMajor, tls12VersionMinor
	binary.BigEndian.PutUint16(header[3:], uint16(len(fragment)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(fragment)
	return err
}

// protectFragment computes the MAC-then-encrypt fragment for a single
// record (RFC 5246 §6.2.3). NULL-cipher suites append the MAC with no
// encryption and no explicit IV.
func protectFragment(contentType byte, payload []byte, cs *cipherState) []byte {
	seq := cs.nextSeqBytes()
	macInput := make([]byte, 0, 8+1+2+2+len(payload))
	macInput = append(macInput, seq...)
	macInput = append(macInput, contentType, tls12VersionMajor, tls12VersionMinor)
	macInput = append(macInput, byte(len(payload)>>8), byte(len(payload)))
	macInput = append(macInput, payload...)
	mac := macFor(cs.params, cs.macKey)
	mac.Write(macInput)
	macSum := mac.Sum(nil)

	if cs.params.encKeyLen == 0 {
		return append(append([]byte{}, payload...), macSum...)
	}

	plain := append(append([]byte{}, payload...), macSum...)
	padLen := cs.params.blockSize - (len(plain)+1)%cs.params.blockSize
	if padLen == cs.params.blockSize {
		padLen = 0
	}
	for i := 0; i <= padLen; i++ {
		plain = append(plain, byte(padLen))
	}

	block, err := aes.NewCipher(cs.encKey)
	if err != nil {
		// encKey length is fixed by paramsFor and validated at
		// handshake time; a failure here means a program invariant
		// was violated, not a runtime condition to recover from.
		panic(fmt.Sprintf("psktls: aes.NewCipher: %v", err))
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		panic(fmt.Sprintf("psktls: iv generation failed: %v", err))
	}
	out := make([]byte, len(iv)+len(plain))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], plain)
	return out
}

// readRecord reads one TLS record from r and, if cs is non-nil,
// decrypts and verifies its MAC.
func readRecord(r *bufio.Reader, cs *cipherState) (contentType byte, payload []byte, err error) {
	header := make([]byte, 5)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	contentType = header[0]
	length := int(binary.BigEndian.Uint16(header[3:]))
	if length > maxRecordPayload+256 {
		return 0, nil, fmt.Errorf("psktls: oversized record (%d bytes)", length)
	}
	fragment := make([]byte, length)
	if _, err = io.ReadFull(r, fragment); err != nil {
		return 0, nil, err
	}
	if cs == nil {
		return contentType, fragment, nil
	}
	payload, err = unprotectFragment(contentType, fragment, cs)
	return contentType, payload, err
}

func unprotectFragment(contentType byte, fragment []byte, cs *cipherState) ([]byte, error) {
	var plain []byte
	if cs.params.encKeyLen == 0 {
		plain = fragment
	} else {
		if len(fragment) < aes.BlockSize {
			return nil, fmt.Errorf("psktls: record shorter than IV")
		}
		iv, ciphertext := fragment[:aes.BlockSize], fragment[aes.BlockSize:]
		if len(ciphertext) == 0 || len(ciphertext)%cs.params.blockSize != 0 {
			return nil, fmt.Errorf("psktls: ciphertext not block-aligned")
		}
		block, err := aes.NewCipher(cs.encKey)
		if err != nil {
			return nil, fmt.Errorf("psktls: aes.NewCipher: %w", err)
		}
		plain = make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

		padLen := int(plain[len(plain)-1])
		if padLen+1 > len(plain) {
			return nil, fmt.Errorf("psktls: invalid padding")
		}
		plain = plain[:len(plain)-padLen-1]
	}

	macLen := cs.params.macHash().Size()
	if len(plain) < macLen {
		return nil, fmt.Errorf("psktls: record shorter than MAC")
	}
	data, gotMAC := plain[:len(plain)-macLen], plain[len(plain)-macLen:]

	seq := cs.nextSeqBytes()
	macInput := make([]byte, 0, 8+1+2+2+len(data))
	macInput = append(macInput, seq...)
	macInput = append(macInput, contentType, tls12VersionMajor, tls12VersionMinor)
	macInput = append(macInput, byte(len(data)>>8), byte(len(data)))
	macInput = append(macInput, data...)
	mac := macFor(cs.params, cs.macKey)
	mac.Write(macInput)
	wantMAC := mac.Sum(nil)

	if !hmac.Equal(wantMAC, gotMAC) {
		return nil, fmt.Errorf("psktls: record MAC verification failed")
	}
	return data, nil
}
