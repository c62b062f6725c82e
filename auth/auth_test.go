package auth

import (
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("s3cr3t")

func TestVerifyAccepted(t *testing.T) {
	now := time.Unix(1735689600, 0)
	sig := Sign(testSecret, "home-01", now.Unix())
	if err := Verify(testSecret, "home-01", now.Unix(), sig, now); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestVerifySkewBoundary(t *testing.T) {
	now := time.Unix(1735689600, 0)
	cases := []struct {
		name   string
		delta  time.Duration
		accept bool
	}{
		{"exactly at window", SkewWindow, true},
		{"one second past window", SkewWindow + time.Second, false},
		{"negative skew at window", -SkewWindow, true},
		{"negative skew past window", -SkewWindow - time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := now.Add(tc.delta).Unix()
			sig := Sign(testSecret, "home-01", ts)
			err := Verify(testSecret, "home-01", ts, sig, now)
			if tc.accept && err != nil {
				t.Fatalf("expected accept, got %v", err)
			}
			if !tc.accept && err == nil {
				t.Fatalf("expected reject, got accept")
			}
		})
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	now := time.Unix(1735689600, 0)
	sig := Sign(testSecret, "home-01", now.Unix())
	tampered := strings.Replace(sig, sig[:2], "00", 1)
	if tampered == sig {
		tampered = "ff" + sig[2:]
	}
	if err := Verify(testSecret, "home-01", now.Unix(), tampered, now); err == nil {
		t.Fatalf("expected reject for tampered signature")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Unix(1735689600, 0)
	sig := Sign(testSecret, "home-01", now.Unix())
	if err := Verify([]byte("wrong-secret"), "home-01", now.Unix(), sig, now); err == nil {
		t.Fatalf("expected reject for wrong secret")
	}
}

func TestVerifyWrongClientID(t *testing.T) {
	now := time.Unix(1735689600, 0)
	sig := Sign(testSecret, "home-01", now.Unix())
	if err := Verify(testSecret, "home-02", now.Unix(), sig, now); err == nil {
		t.Fatalf("expected reject when client_id doesn't match signed data")
	}
}

func TestVerifyInvalidHexSignature(t *testing.T) {
	now := time.Unix(1735689600, 0)
	if err := Verify(testSecret, "home-01", now.Unix(), "not-hex!!", now); err == nil {
		t.Fatalf("expected reject for non-hex signature")
	}
}
