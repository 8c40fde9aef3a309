package nostr

import (
	"testing"

	"nostr-relay-engine/internal/types"
)

const testSecret = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"

func TestSchnorrSignerProducesVerifiableEvent(t *testing.T) {
	key, err := KeyPairFromHex(testSecret)
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	evt := types.Event{
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"e", "abc123", "", "reply"}, {"p", "def456"}},
		Content:   `{"test":"json content"}`,
	}

	signed, err := SchnorrSigner{}.Sign(evt, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if signed.PubKey != key.PublicKeyHex() {
		t.Errorf("pubkey = %s, want %s", signed.PubKey, key.PublicKeyHex())
	}
	if signed.ID != ComputeEventID(signed) {
		t.Error("id does not match serialized event")
	}
	if !ValidateEventSignature(signed) {
		t.Error("signature verification failed")
	}
	if evt.Sig != "" {
		t.Error("input event must not be modified")
	}
}

func TestTamperedEventFailsVerification(t *testing.T) {
	key, _ := KeyPairFromHex(testSecret)
	signed, err := SchnorrSigner{}.Sign(types.Event{CreatedAt: 1, Kind: 1, Content: "a"}, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed.Content = "b"
	signed.ID = ComputeEventID(signed)
	if ValidateEventSignature(signed) {
		t.Error("tampered event should not verify")
	}
}

func TestKeyPairFromHexRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "zz", "abcd"} {
		if _, err := KeyPairFromHex(in); err != ErrInvalidKey {
			t.Errorf("KeyPairFromHex(%q) err = %v", in, err)
		}
	}
}

func TestSignWithoutKey(t *testing.T) {
	if _, err := (SchnorrSigner{}).Sign(types.Event{}, KeyPair{}); err != ErrInvalidKey {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestAuthEventTags(t *testing.T) {
	evt := AuthEvent("wss://relay.one", "challenge-1", 42)
	if evt.Kind != KindRelayAuth {
		t.Errorf("kind = %d", evt.Kind)
	}
	if len(evt.Tags) != 2 || evt.Tags[0][1] != "wss://relay.one" || evt.Tags[1][1] != "challenge-1" {
		t.Errorf("tags = %v", evt.Tags)
	}
}

func TestGenerateKeyPairRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	again, err := KeyPairFromHex(key.SecretKeyHex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if again.PublicKeyHex() != key.PublicKeyHex() {
		t.Error("public keys differ after round trip")
	}
}
