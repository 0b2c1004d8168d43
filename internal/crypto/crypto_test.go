package crypto

import (
	"strings"
	"testing"

	"github.com/agentjido/jido-shell-sub001/internal/database"
)

func setup(t *testing.T) {
	t.Helper()
	if err := database.Open(":memory:"); err != nil {
		t.Fatal(err)
	}
	Reset()
	t.Cleanup(func() {
		Reset()
		database.Close()
	})
}

func TestEncryptRoundTrip(t *testing.T) {
	setup(t)

	enc, err := Encrypt("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(enc, "enc:") || strings.Contains(enc, "hunter2") {
		t.Fatalf("ciphertext = %q", enc)
	}
	dec, err := Decrypt(enc)
	if err != nil || dec != "hunter2" {
		t.Fatalf("Decrypt = %q, %v", dec, err)
	}
}

func TestKeyPersistsAcrossReset(t *testing.T) {
	setup(t)

	enc, err := Encrypt("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := database.GetSetting("fernet_key"); err != nil {
		t.Fatalf("key not stored: %v", err)
	}
	Reset()
	if dec, err := Decrypt(enc); err != nil || dec != "s3cret" {
		t.Fatalf("after reset = %q, %v", dec, err)
	}
}

func TestDecryptPlainAndInvalid(t *testing.T) {
	setup(t)

	if got, err := Decrypt("plain"); err != nil || got != "plain" {
		t.Fatalf("plain = %q, %v", got, err)
	}
	if _, err := Decrypt("enc:garbage"); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestParams(t *testing.T) {
	setup(t)

	in := map[string]string{"host": "example.com", "password": "pw", "token": ""}
	enc, err := EncryptParams(in)
	if err != nil {
		t.Fatal(err)
	}
	if enc["host"] != "example.com" || !strings.HasPrefix(enc["password"], "enc:") || enc["token"] != "" {
		t.Fatalf("encrypted = %v", enc)
	}
	dec, err := DecryptParams(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec["password"] != "pw" || dec["host"] != "example.com" {
		t.Fatalf("decrypted = %v", dec)
	}

	masked := MaskParams(map[string]string{"password": "longpassword", "user": "root"})
	if masked["password"] != "****word" || masked["user"] != "root" {
		t.Fatalf("masked = %v", masked)
	}
}

func TestMask(t *testing.T) {
	for in, want := range map[string]string{"": "", "abc": "****", "abcdefgh": "****efgh"} {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
