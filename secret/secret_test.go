package secret

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	kr := StaticKeyring{"primary": make([]byte, 32)}
	plaintext := []byte("sk-test-1234567890")

	sealed, err := Seal(kr, "primary", plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed.MasterKeyRef != "primary" {
		t.Fatalf("MasterKeyRef = %q, want primary", sealed.MasterKeyRef)
	}

	got, err := Open(kr, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("Open() = %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	kr := StaticKeyring{"primary": make([]byte, 32)}
	sealed, err := Seal(kr, "primary", []byte("sk-test-1234567890"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed.Ciphertext[0] ^= 0xFF

	if _, err := Open(kr, sealed); err != ErrAuthFailed {
		t.Fatalf("Open() err = %v, want ErrAuthFailed", err)
	}
}

func TestOpenUnknownMasterKeyRef(t *testing.T) {
	kr := StaticKeyring{}
	_, err := Seal(kr, "missing", []byte("x"))
	if err == nil {
		t.Fatal("Seal() with unknown master key ref should fail")
	}
}
