// Package bls wraps the kyber BLS scheme behind the small surface the
// validation pipeline needs: per-payload proofs and their aggregation
// into a single batch attestation.
package bls

import (
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

var suite = bn256.NewSuite()

// ProofKey holds the local node's proving keypair.
type ProofKey struct {
	priv kyber.Scalar
	pub  kyber.Point
}

// GenProofKey generates a fresh keypair from the kyber random stream.
func GenProofKey() *ProofKey {
	priv, pub := bls.NewKeyPair(suite, random.New())
	return &ProofKey{priv: priv, pub: pub}
}

// GenProofKeyWithSeed derives a keypair deterministically from seed.
// For use in testing.
func GenProofKeyWithSeed(seed int64) *ProofKey {
	priv := suite.G2().Scalar().SetInt64(seed)
	pub := suite.G2().Point().Mul(priv, nil)
	return &ProofKey{priv: priv, pub: pub}
}

// PubKeyBytes returns the marshaled public key.
func (k *ProofKey) PubKeyBytes() []byte {
	bz, err := k.pub.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}

// Sign produces the proof signature over msg.
func (k *ProofKey) Sign(msg []byte) ([]byte, error) {
	sig, err := bls.Sign(suite, k.priv, msg)
	if err != nil {
		return nil, errors.Wrap(err, "bls sign")
	}
	return sig, nil
}

// Verify checks sig over msg against the marshaled public key pub.
func Verify(pub, msg, sig []byte) error {
	point := suite.G2().Point()
	if err := point.UnmarshalBinary(pub); err != nil {
		return errors.Wrap(err, "unmarshal bls pubkey")
	}
	if err := bls.Verify(suite, point, msg, sig); err != nil {
		return errors.Wrap(err, "bls verify")
	}
	return nil
}

// Aggregate combines per-transaction proof signatures into one
// signature.
func Aggregate(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	agg, err := bls.AggregateSignatures(suite, sigs...)
	if err != nil {
		return nil, errors.Wrap(err, "bls aggregate")
	}
	return agg, nil
}

// VerifyAggregate checks an aggregated signature produced by a single
// signer over msgs.
func VerifyAggregate(pub []byte, msgs [][]byte, aggSig []byte) error {
	point := suite.G2().Point()
	if err := point.UnmarshalBinary(pub); err != nil {
		return errors.Wrap(err, "unmarshal bls pubkey")
	}
	pubs := make([]kyber.Point, len(msgs))
	for i := range msgs {
		pubs[i] = point
	}
	if err := bls.BatchVerify(suite, pubs, msgs, aggSig); err != nil {
		return errors.Wrap(err, "bls verify aggregate")
	}
	return nil
}
