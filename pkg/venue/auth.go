package venue

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeNone AuthType = "none"
	AuthTypeHMAC AuthType = "hmac"
	AuthTypeJWT  AuthType = "jwt"
)

// Authenticator signs outgoing gateway requests.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
}

type Credentials struct {
	AuthType      AuthType
	APIKey        string
	APISecret     string
	Passphrase    string
	APIKeyName    string // JWT: organizations/{org_id}/apiKeys/{key_id}
	PrivateKeyPEM string // JWT: EC private key
}

// NewAuthenticator picks the signer for the configured auth type.
func NewAuthenticator(c Credentials) (Authenticator, error) {
	switch c.AuthType {
	case "", AuthTypeNone:
		return noAuth{}, nil
	case AuthTypeHMAC:
		if c.APIKey == "" || c.APISecret == "" {
			return nil, fmt.Errorf("hmac auth requires api key and secret")
		}
		return NewHMACAuthenticator(c.APIKey, c.APISecret, c.Passphrase), nil
	case AuthTypeJWT:
		return NewJWTAuthenticator(c.APIKeyName, c.PrivateKeyPEM)
	default:
		return nil, fmt.Errorf("unknown auth type %q", c.AuthType)
	}
}

type noAuth struct{}

func (noAuth) AddAuthHeaders(req *http.Request, method, path, body string) error { return nil }

// HMACAuthenticator uses an API key/secret pair with an optional passphrase
type HMACAuthenticator struct {
	apiKey     string
	apiSecret  string
	passphrase string
	now        func() time.Time
}

func NewHMACAuthenticator(apiKey, apiSecret, passphrase string) *HMACAuthenticator {
	return &HMACAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		now:        time.Now,
	}
}

func (h *HMACAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	timestamp := fmt.Sprintf("%d", h.now().Unix())

	req.Header.Set("X-API-KEY", h.apiKey)
	req.Header.Set("X-API-SIGN", h.sign(method, path, body, timestamp))
	req.Header.Set("X-API-TIMESTAMP", timestamp)
	if h.passphrase != "" {
		req.Header.Set("X-API-PASSPHRASE", h.passphrase)
	}
	return nil
}

func (h *HMACAuthenticator) sign(method, path, body, timestamp string) string {
	message := timestamp + method + path + body
	return computeHMAC(message, h.apiSecret)
}

func computeHMAC(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// JWTAuthenticator signs a short-lived ES256 token per request
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
	now        func() time.Time
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	if _, _, err := parseAPIKeyName(apiKeyName); err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
		now:        time.Now,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	token, err := j.generateJWT(method, req.URL.Host, path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := j.now()
	claims := jwt.MapClaims{
		"sub":   j.apiKeyName,
		"iss":   "fundingarb",
		"nbf":   now.Unix(),
		"exp":   now.Add(2 * time.Minute).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseAPIKeyName extracts the org ID and key ID from the API key name
func parseAPIKeyName(apiKeyName string) (orgID, keyID string, err error) {
	parts := strings.Split(apiKeyName, "/")
	if len(parts) != 4 || parts[0] != "organizations" || parts[2] != "apiKeys" {
		return "", "", fmt.Errorf("invalid API key name format")
	}
	return parts[1], parts[3], nil
}
