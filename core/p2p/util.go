package p2p

import (
	crand "crypto/rand"
	"math/big"
	"time"
)

// shufflePeerInfo performs an in-place Fisher-Yates shuffle using
// crypto/rand, matching the randomness requirements of spec.md §4.10's
// weighted peer selection (Sample here supplies the candidate pool; GAP
// applies its own trust×bandwidth weighting on top).
func shufflePeerInfo(peers []PeerInfo) error {
	for i := len(peers) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		peers[i], peers[j] = peers[j], peers[i]
	}
	return nil
}

// nowMillis avoids a direct time.Now().UnixMilli() call at every message
// receipt site.
func nowMillis() int64 { return time.Now().UnixMilli() }
