package venue

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewAuthenticator(t *testing.T) {
	if a, err := NewAuthenticator(Credentials{}); err != nil {
		t.Fatalf("none: %v", err)
	} else if _, ok := a.(noAuth); !ok {
		t.Fatalf("empty auth type gave %T", a)
	}
	if _, err := NewAuthenticator(Credentials{AuthType: AuthTypeHMAC, APIKey: "k"}); err == nil {
		t.Fatal("hmac without secret accepted")
	}
	if _, err := NewAuthenticator(Credentials{AuthType: "oauth"}); err == nil {
		t.Fatal("unknown auth type accepted")
	}
}

func TestHMACHeaders(t *testing.T) {
	auth := NewHMACAuthenticator("key", "secret", "pass")
	auth.now = func() time.Time { return time.Unix(1700000000, 0) }

	req, _ := http.NewRequest(http.MethodPost, "http://gw/v1/positions", nil)
	if err := auth.AddAuthHeaders(req, http.MethodPost, "/v1/positions", `{"a":1}`); err != nil {
		t.Fatalf("AddAuthHeaders: %v", err)
	}
	if req.Header.Get("X-API-KEY") != "key" || req.Header.Get("X-API-PASSPHRASE") != "pass" {
		t.Fatalf("headers=%v", req.Header)
	}
	if req.Header.Get("X-API-TIMESTAMP") != "1700000000" {
		t.Fatalf("timestamp=%s", req.Header.Get("X-API-TIMESTAMP"))
	}
	want := computeHMAC(`1700000000POST/v1/positions{"a":1}`, "secret")
	if req.Header.Get("X-API-SIGN") != want {
		t.Fatalf("signature mismatch")
	}
}

func TestJWTAuthenticator(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))

	if _, err := NewJWTAuthenticator("bad-name", pemKey); err == nil {
		t.Fatal("malformed key name accepted")
	}

	name := "organizations/org-1/apiKeys/key-1"
	auth, err := NewJWTAuthenticator(name, pemKey)
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://gw.example/v1/markets", nil)
	if err := auth.AddAuthHeaders(req, http.MethodGet, "/v1/markets", ""); err != nil {
		t.Fatalf("AddAuthHeaders: %v", err)
	}
	bearer := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(bearer, claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims["sub"] != name || claims["uri"] != "GET gw.example/v1/markets" {
		t.Fatalf("claims=%v", claims)
	}
}
