package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/dreamware/cortex/internal/protocol"
)

// authWindow bounds both clock skew tolerance and the replay-rejection
// horizon for secure mode (spec §6: "replays within a bounded time window
// are rejected").
const authWindow = 30 * time.Second

const macSize = sha256.Size

// authGuard enforces secure mode's signed-envelope requirement: every frame
// on the data listener carries an 8-byte big-endian unix timestamp and a
// 32-byte HMAC-SHA256 over (timestamp || payload) ahead of the ordinary
// protocol payload, keyed by a pre-shared secret (spec §6). One authGuard
// is shared by every connection on the listener so a captured-and-replayed
// signature is rejected regardless of which connection it is replayed on.
type authGuard struct {
	secret []byte

	mu   sync.Mutex
	seen map[[macSize]byte]time.Time
}

func newAuthGuard(secret string) *authGuard {
	return &authGuard{secret: []byte(secret), seen: make(map[[macSize]byte]time.Time)}
}

// sign wraps payload with its timestamp and signature for writing.
func (g *authGuard) sign(payload []byte) []byte {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(time.Now().Unix()))

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(tsBuf[:])
	mac.Write(payload)

	out := make([]byte, 0, 8+macSize+len(payload))
	out = append(out, tsBuf[:]...)
	out = append(out, mac.Sum(nil)...)
	out = append(out, payload...)
	return out
}

// verify checks a signed frame's envelope and, if valid, returns the inner
// payload ready for protocol.DecodeRequest. A failure here is reported as
// framing_error and the connection is closed, matching §7's stated policy
// for protocol decode failures — a forged or replayed envelope never
// reaches request decoding at all.
func (g *authGuard) verify(framed []byte) ([]byte, error) {
	if len(framed) < 8+macSize {
		return nil, protocol.Errorf(protocol.KindFramingError, "secure mode: frame too short for signed envelope")
	}
	tsBuf, mac, payload := framed[:8], framed[8:8+macSize], framed[8+macSize:]

	expected := hmac.New(sha256.New, g.secret)
	expected.Write(tsBuf)
	expected.Write(payload)
	if !hmac.Equal(mac, expected.Sum(nil)) {
		return nil, protocol.Errorf(protocol.KindFramingError, "secure mode: signature mismatch")
	}

	ts := time.Unix(int64(binary.BigEndian.Uint64(tsBuf)), 0)
	if skew := time.Since(ts); skew > authWindow || skew < -authWindow {
		return nil, protocol.Errorf(protocol.KindFramingError, "secure mode: timestamp outside window")
	}

	var key [macSize]byte
	copy(key[:], mac)
	g.mu.Lock()
	g.evictExpiredLocked()
	if _, replayed := g.seen[key]; replayed {
		g.mu.Unlock()
		return nil, protocol.Errorf(protocol.KindFramingError, "secure mode: replayed request rejected")
	}
	g.seen[key] = time.Now()
	g.mu.Unlock()

	return payload, nil
}

func (g *authGuard) evictExpiredLocked() {
	cutoff := time.Now().Add(-authWindow)
	for k, seenAt := range g.seen {
		if seenAt.Before(cutoff) {
			delete(g.seen, k)
		}
	}
}
