// Package crypto encrypts backend secrets (SSH passwords and keys, sandbox
// tokens) before they are stored. The fernet key lives in the settings table
// and is generated on first use.
package crypto

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fernet/fernet-go"

	"github.com/agentjido/jido-shell-sub001/internal/database"
)

const (
	keySetting = "fernet_key"
	// prefix marks stored values that are fernet tokens.
	prefix = "enc:"
)

var (
	mu     sync.Mutex
	cached *fernet.Key
)

func getKey() (*fernet.Key, error) {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	keyStr, err := database.GetSetting(keySetting)
	if errors.Is(err, database.ErrNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cached = &k
		return cached, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cached = key
	return cached, nil
}

// Reset drops the cached key, e.g. after the database was reopened.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}

func Encrypt(plaintext string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return prefix + string(tok), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as is so
// rows written before encryption was enabled keep working.
func Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, prefix) {
		return ciphertext, nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimPrefix(ciphertext, prefix)), 0, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// SecretParams are backend params that never hit the database in clear text.
var SecretParams = []string{"password", "key", "token"}

func isSecret(name string) bool {
	for _, s := range SecretParams {
		if name == s {
			return true
		}
	}
	return false
}

// EncryptParams returns a copy of params with secret values encrypted.
func EncryptParams(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if v != "" && isSecret(k) {
			enc, err := Encrypt(v)
			if err != nil {
				return nil, fmt.Errorf("encrypt %s: %w", k, err)
			}
			v = enc
		}
		out[k] = v
	}
	return out, nil
}

// DecryptParams reverses EncryptParams.
func DecryptParams(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if isSecret(k) {
			dec, err := Decrypt(v)
			if err != nil {
				return nil, fmt.Errorf("decrypt %s: %w", k, err)
			}
			v = dec
		}
		out[k] = v
	}
	return out, nil
}

// MaskParams returns params with secret values masked, for API responses.
func MaskParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if isSecret(k) {
			v = Mask(v)
		}
		out[k] = v
	}
	return out
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
