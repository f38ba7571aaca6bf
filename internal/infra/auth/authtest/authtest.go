// Package authtest выпускает настоящие RS256 токены для тестов других пакетов.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/xela07ax/usbmode/internal/infra/auth"
)

const Issuer = "usbmode-test"

type Keys struct {
	Signer    *auth.Signer
	Validator *auth.BaseValidator
	Private   *rsa.PrivateKey
}

func NewKeys(t testing.TB) *Keys {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &Keys{
		Signer:    auth.NewSigner(priv, Issuer, time.Hour),
		Validator: auth.NewBaseValidator(&priv.PublicKey, Issuer),
		Private:   priv,
	}
}

// Bearer возвращает значение заголовка Authorization.
func (k *Keys) Bearer(t testing.TB, userID string, admin bool) string {
	t.Helper()
	scopes := map[string]bool{}
	if admin {
		scopes["admin"] = true
	}
	tok, err := k.Signer.Sign(userID, scopes)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + tok.AccessToken
}
