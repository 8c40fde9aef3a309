package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-relay-engine/internal/types"
)

// KindRelayAuth is the NIP-42 client authentication event kind
const KindRelayAuth = 22242

// ErrInvalidKey is returned for secret keys that are not 32 hex-encoded bytes
var ErrInvalidKey = errors.New("invalid secret key")

// KeyPair holds a secp256k1 key used to sign events
type KeyPair struct {
	private *btcec.PrivateKey
}

// GenerateKeyPair creates a new random key pair
func GenerateKeyPair() (KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{private: priv}, nil
}

// KeyPairFromHex parses a hex-encoded 32-byte secret key
func KeyPairFromHex(secretHex string) (KeyPair, error) {
	b, err := hex.DecodeString(secretHex)
	if err != nil || len(b) != 32 {
		return KeyPair{}, ErrInvalidKey
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return KeyPair{private: priv}, nil
}

// PublicKeyHex returns the x-only public key, hex-encoded
func (k KeyPair) PublicKeyHex() string {
	if k.private == nil {
		return ""
	}
	return hex.EncodeToString(schnorr.SerializePubKey(k.private.PubKey()))
}

// SecretKeyHex returns the hex-encoded secret key
func (k KeyPair) SecretKeyHex() string {
	if k.private == nil {
		return ""
	}
	return hex.EncodeToString(k.private.Serialize())
}

// Valid reports whether k holds a key
func (k KeyPair) Valid() bool {
	return k.private != nil
}

// Signer turns an unsigned event into a signed one
type Signer interface {
	Sign(evt types.Event, key KeyPair) (types.Event, error)
}

// SchnorrSigner signs events with BIP-340 schnorr signatures
type SchnorrSigner struct{}

// Sign sets PubKey, ID and Sig on a copy of evt
func (SchnorrSigner) Sign(evt types.Event, key KeyPair) (types.Event, error) {
	if !key.Valid() {
		return types.Event{}, ErrInvalidKey
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.PubKey = key.PublicKeyHex()
	evt.ID = ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return types.Event{}, fmt.Errorf("decode event id: %w", err)
	}
	sig, err := schnorr.Sign(key.private, idBytes)
	if err != nil {
		return types.Event{}, fmt.Errorf("sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt, nil
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// AuthEvent builds the unsigned NIP-42 response to a relay challenge
func AuthEvent(relayURL, challenge string, createdAt int64) types.Event {
	return types.Event{
		CreatedAt: createdAt,
		Kind:      KindRelayAuth,
		Tags: [][]string{
			{"relay", relayURL},
			{"challenge", challenge},
		},
		Content: "",
	}
}
