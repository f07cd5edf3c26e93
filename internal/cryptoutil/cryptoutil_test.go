package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

func TestSHA256Hex(t *testing.T) {
	if got := SHA256Hex(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("SHA256Hex(nil) = %s", got)
	}
}

func TestHashEqual(t *testing.T) {
	h := SHA256Hex([]byte("rules"))
	tests := []struct {
		a, b string
		want bool
	}{
		{h, h, true},
		{h, "  " + h, false},
		{h, h[:63], false},
		{"ABCDEF", "abcdef", true},
		{"", "", true},
		{"", h, false},
	}
	for _, tt := range tests {
		if got := HashEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("HashEqual(%q, %q) = %v", tt.a, tt.b, got)
		}
	}
}

type fakeKMS struct {
	calls int
	out   *kms.GetPublicKeyOutput
	err   error
}

func (f *fakeKMS) GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.calls++
	return f.out, f.err
}

func kmsFor(t *testing.T, pub crypto.PublicKey, usage kmstypes.KeyUsageType) *fakeKMS {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return &fakeKMS{out: &kms.GetPublicKeyOutput{PublicKey: der, KeyUsage: usage}}
}

func TestKMSVerifier_ECDSA(t *testing.T) {
	msg := []byte("exceptions: []\n")
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384()} {
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		var digest []byte
		if curve == elliptic.P384() {
			d := sha512.Sum384(msg)
			digest = d[:]
		} else {
			d := sha256.Sum256(msg)
			digest = d[:]
		}
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
		if err != nil {
			t.Fatal(err)
		}

		fk := kmsFor(t, &key.PublicKey, kmstypes.KeyUsageTypeSignVerify)
		v := NewKMSVerifier(fk, "alias/throttle-rules")
		if err := v.VerifySignature(context.Background(), msg, sig); err != nil {
			t.Fatalf("%s: valid signature rejected: %v", curve.Params().Name, err)
		}
		if err := v.VerifySignature(context.Background(), []byte("tampered"), sig); err == nil {
			t.Fatalf("%s: tampered message accepted", curve.Params().Name)
		}
		if fk.calls != 1 {
			t.Fatalf("public key fetched %d times, want 1", fk.calls)
		}
	}
}

func TestKMSVerifier_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("exceptions: []\n")
	digest := sha256.Sum256(msg)

	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatal(err)
	}
	pkcs, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	v := NewKMSVerifier(kmsFor(t, &key.PublicKey, kmstypes.KeyUsageTypeSignVerify), "k")
	if err := v.VerifySignature(context.Background(), msg, pss); err != nil {
		t.Fatalf("PSS rejected: %v", err)
	}
	if err := v.VerifySignature(context.Background(), msg, pkcs); err == nil {
		t.Fatal("PKCS1v15 accepted without AllowPKCS1v15")
	}
	v.AllowPKCS1v15 = true
	if err := v.VerifySignature(context.Background(), msg, pkcs); err != nil {
		t.Fatalf("PKCS1v15 rejected with fallback: %v", err)
	}
}

func TestKMSVerifier_Errors(t *testing.T) {
	ctx := context.Background()
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err := NewKMSVerifier(nil, "k").VerifySignature(ctx, []byte("m"), []byte("s")); err == nil {
		t.Fatal("nil client should fail")
	}
	if err := NewKMSVerifier(kmsFor(t, &key.PublicKey, kmstypes.KeyUsageTypeSignVerify), "k").VerifySignature(ctx, []byte("m"), nil); err == nil {
		t.Fatal("empty signature should fail")
	}
	if err := NewKMSVerifier(kmsFor(t, &key.PublicKey, kmstypes.KeyUsageTypeEncryptDecrypt), "k").VerifySignature(ctx, []byte("m"), []byte("s")); err == nil {
		t.Fatal("encrypt key should be refused")
	}

	fk := &fakeKMS{err: errors.New("AccessDenied")}
	v := NewKMSVerifier(fk, "k")
	for i := 0; i < 2; i++ {
		if _, err := v.PublicKey(ctx); err == nil {
			t.Fatal("fetch error should surface")
		}
	}
	if fk.calls != 2 {
		t.Fatalf("failed fetch should not be cached, calls = %d", fk.calls)
	}
	if v.KeyID() != "k" {
		t.Fatalf("KeyID = %q", v.KeyID())
	}
}
