package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/logger"
	"github.com/google/uuid"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"

	"tokenlottery/internal/clock"
)

// Reveal is the publicly verifiable output of a beacon round.
type Reveal struct {
	Ref        string
	CommitSlot uint64
	Public     []byte
	Signature  []byte
	Value      uint64
}

type round struct {
	commitSlot uint64
	sig        []byte
}

// Beacon signs every commitment with a BLS key once Delay slots have
// passed since the commit. The signature is unique for the message, so the
// value derived from it is fixed at commit time but unknown to anyone
// without the key until it is published.
type Beacon struct {
	mu     sync.Mutex
	clock  clock.Clock
	suite  pairing.Suite
	priv   kyber.Scalar
	public kyber.Point
	delay  uint64
	rounds map[string]*round
}

// NewBeacon creates a beacon with a fresh key pair.
func NewBeacon(clk clock.Clock, delay uint64) *Beacon {
	suite := pairing.NewSuiteBn256()
	priv, pub := bls.NewKeyPair(suite, random.New())
	return &Beacon{
		clock:  clk,
		suite:  suite,
		priv:   priv,
		public: pub,
		delay:  delay,
		rounds: make(map[string]*round),
	}
}

// Public returns the beacon's marshalled public key.
func (b *Beacon) Public() ([]byte, error) {
	return b.public.MarshalBinary()
}

func (b *Beacon) RequestCommitment() (Commitment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := Commitment{Ref: uuid.NewString(), CommitSlot: b.clock.Slot()}
	b.rounds[c.Ref] = &round{commitSlot: c.CommitSlot}
	logger.Infof("oracle: beacon commitment %s at slot %d, reveal from slot %d", c.Ref, c.CommitSlot, c.CommitSlot+b.delay)
	return c, nil
}

func (b *Beacon) RevealedValue(ref string) (uint64, bool, error) {
	r, ok, err := b.Reveal(ref)
	if err != nil || !ok {
		return 0, false, err
	}
	return r.Value, true, nil
}

// Reveal returns the verifiable output for ref, producing it on first use
// once the delay has elapsed.
func (b *Beacon) Reveal(ref string) (*Reveal, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rounds[ref]
	if !ok {
		return nil, false, ErrUnknownCommitment
	}
	if b.clock.Slot() < r.commitSlot+b.delay {
		return nil, false, nil
	}
	if r.sig == nil {
		sig, err := bls.Sign(b.suite, b.priv, roundMessage(ref, r.commitSlot))
		if err != nil {
			return nil, false, fmt.Errorf("couldn't sign round %s: %w", ref, err)
		}
		r.sig = sig
	}
	pub, err := b.public.MarshalBinary()
	if err != nil {
		return nil, false, err
	}
	out := &Reveal{Ref: ref, CommitSlot: r.commitSlot, Public: pub, Signature: r.sig}
	value, err := VerifyReveal(out)
	if err != nil {
		return nil, false, err
	}
	out.Value = value
	return out, true, nil
}

// VerifyReveal checks the BLS signature of r against its public key and
// returns the value derived from it.
func VerifyReveal(r *Reveal) (uint64, error) {
	suite := pairing.NewSuiteBn256()
	pub := suite.G2().Point()
	if err := pub.UnmarshalBinary(r.Public); err != nil {
		return 0, fmt.Errorf("couldn't decode public key: %w", err)
	}
	if err := bls.Verify(suite, pub, roundMessage(r.Ref, r.CommitSlot), r.Signature); err != nil {
		return 0, fmt.Errorf("couldn't verify randomness: %w", err)
	}
	return ValueFromSignature(r.Signature), nil
}

// ValueFromSignature hashes a beacon signature down to a uint64.
func ValueFromSignature(sig []byte) uint64 {
	h := sha256.Sum256(sig)
	return binary.LittleEndian.Uint64(h[:8])
}

func roundMessage(ref string, commitSlot uint64) []byte {
	msg := make([]byte, 8, 8+len(ref))
	binary.LittleEndian.PutUint64(msg, commitSlot)
	return append(msg, ref...)
}
