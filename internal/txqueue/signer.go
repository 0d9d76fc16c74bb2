package txqueue

import (
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/haasonsaas/nexus/internal/engineerr"
)

// Signer is the key-vault port: it signs an unsigned transaction for a
// network/address pair and reports that address. The engine never holds
// raw key material outside an implementation of this interface.
type Signer interface {
	Sign(network, from string, unsigned UnsignedTx) (signedPayload []byte, txHash string, err error)
	Address(network string) (string, error)
}

// UnsignedTx is the chain-agnostic payload a Signer signs.
type UnsignedTx struct {
	To           string `json:"to"`
	Value        string `json:"value"`
	Calldata     []byte `json:"calldata,omitempty"`
	Nonce        uint64 `json:"nonce"`
	MaxFeePerGas string `json:"max_fee_per_gas,omitempty"`
	GasLimit     uint64 `json:"gas_limit,omitempty"`
}

// LocalSigner holds private keys in process memory, keyed by network. It
// exists as a reference Signer for local development; a production
// deployment is expected to swap in a remote key vault behind the same
// interface.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[string]*secp256k1.PrivateKey
}

// NewLocalSigner builds an empty LocalSigner; call SetKey to provision
// per-network signing keys.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[string]*secp256k1.PrivateKey)}
}

// SetKey provisions (or replaces) the signing key for a network.
func (s *LocalSigner) SetKey(network string, priv *secp256k1.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[network] = priv
}

func (s *LocalSigner) key(network string) (*secp256k1.PrivateKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv, ok := s.keys[network]
	return priv, ok
}

// Address returns the signing address for a network, derived from the
// public key the same way an externally-owned account address is derived:
// the low 20 bytes of keccak256 of the uncompressed public key.
func (s *LocalSigner) Address(network string) (string, error) {
	priv, ok := s.key(network)
	if !ok {
		return "", engineerr.New(engineerr.NotFound, "txqueue.Address", "no signing key for network: "+network)
	}
	pub := priv.PubKey().SerializeUncompressed()
	digest := keccak256(pub[1:]) // drop the 0x04 prefix byte
	return "0x" + hex.EncodeToString(digest[12:]), nil
}

// Sign produces a deterministic signed payload for an unsigned transaction.
// The digest is keccak256 of the transaction's canonical JSON encoding;
// production signers would instead use the chain's native RLP/SSZ/etc.
// encoding, but the engine is chain-agnostic and only needs a stable byte
// representation to sign over.
func (s *LocalSigner) Sign(network, from string, unsigned UnsignedTx) ([]byte, string, error) {
	priv, ok := s.key(network)
	if !ok {
		return nil, "", engineerr.New(engineerr.NotFound, "txqueue.Sign", "no signing key for network: "+network)
	}

	canonical, err := json.Marshal(unsigned)
	if err != nil {
		return nil, "", engineerr.Wrap(engineerr.Invalid, "txqueue.Sign", err)
	}
	digest := keccak256(canonical)
	sig := ecdsa.Sign(priv, digest)
	signed := sig.Serialize()
	txHash := "0x" + hex.EncodeToString(keccak256(signed))
	return signed, txHash, nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
