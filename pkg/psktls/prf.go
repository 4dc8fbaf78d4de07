package psktls

import (
	"crypto/hmac"
	"hash"
)

// prf implements the TLS 1.2 pseudorandom function (RFC 5246 §5):
// PRF(secret, label, seed) = P_hash(secret, label + seed), truncated
// to outLen bytes. hashFn selects P_SHA256 or P_SHA384 depending on
// the negotiated cipher suite's PRF hash.
func prf(hashFn func() hash.Hash, secret, label, seed []byte, outLen int) []byte {
	ls := append(append([]byte{}, label...), seed...)
	return pHash(hashFn, secret, ls, outLen)
}

// pHash is the HMAC-based data expansion function:
//
//	A(0) = seed
//	A(i) = HMAC_hash(secret, A(i-1))
//	P_hash(secret, seed) = HMAC(A(1)+seed) + HMAC(A(2)+seed) + ...
func pHash(hashFn func() hash.Hash, secret, seed []byte, outLen int) []byte {
	out := make([]byte, 0, outLen+hashFn().Size())
	a := seed
	for len(out) < outLen {
		mac := hmac.New(hashFn, secret)
		mac.Write(a)
		a = mac.Sum(nil)

		mac = hmac.New(hashFn, secret)
		mac.Write(a)
		mac.Write(seed)
		out = append(out, mac.Sum(nil)...)
	}
	return out[:outLen]
}

// pskPreMasterSecret builds the RFC 4279 §2 PSK pre-master secret:
// uint16(len(psk)) || zeros(len(psk)) || uint16(len(psk)) || psk.
func pskPreMasterSecret(psk []byte) []byte {
	n := len(psk)
	out := make([]byte, 0, 4+2*n)
	out = append(out, byte(n>>8), byte(n))
	out = append(out, make([]byte, n)...)
	out = append(out, byte(n>>8), byte(n))
	out = append(out, psk...)
	return out
}

const masterSecretLen = 48

func masterSecret(hashFn func() hash.Hash, preMaster, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return prf(hashFn, preMaster, []byte("master secret"), seed, masterSecretLen)
}

// keyBlock derives the connection key material in the fixed RFC 5246
// §6.3 order: client MAC key, server MAC key, client write key, server
// write key. CBC mode with TLS 1.1+ uses explicit per-record IVs, so no
// IV material is derived here.
func keyBlock(hashFn func() hash.Hash, master, clientRandom, serverRandom []byte, p suiteParams) (clientMAC, serverMAC, clientKey, serverKey []byte) {
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	total := 2*p.macKeyLen + 2*p.encKeyLen
	block := prf(hashFn, master, []byte("key expansion"), seed, total)

	off := 0
	clientMAC = block[off : off+p.macKeyLen]
	off += p.macKeyLen
	serverMAC = block[off : off+p.macKeyLen]
	off += p.macKeyLen
	clientKey = block[off : off+p.encKeyLen]
	off += p.encKeyLen
	serverKey = block[off : off+p.encKeyLen]
	return
}

// computeVerifyData implements the RFC 5246 §7.4.9 Finished payload:
// PRF(master_secret, label, Hash(handshake_messages))[0:12].
func computeVerifyData(hashFn func() hash.Hash, master []byte, label string, transcript []byte) []byte {
	h := hashFn()
	h.Write(transcript)
	sum := h.Sum(nil)
	return prf(hashFn, master, []byte(label), sum, verifyDataLen)
}
