package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams are the Argon2id cost settings. They are written into every
// hash, so raising them later does not invalidate stored reviewer keys.
type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultParams = argonParams{memory: 64 * 1024, time: 1, threads: 4, keyLen: 32}

const saltLen = 16

var b64 = base64.RawStdEncoding

// HashAPIKey hashes a reviewer API key with Argon2id and returns it in the
// PHC string format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	key := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// DummyVerify burns the same Argon2id work as a real check. Call it when no
// reviewer matched so response timing does not reveal which IDs exist.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

// VerifyAPIKey checks apiKey against a hash produced by HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("auth: invalid hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("auth: parse hash version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("auth: unsupported argon2 version %d", version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("auth: parse hash params: %w", err)
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	p.keyLen = uint32(len(key)) //nolint:gosec // bounded by the encoded string
	return p, salt, key, nil
}
