package cryptoutils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for credential password hashing. The memory budget is
// sized for a mobile client; changing any of these changes the produced
// hash string but not its verifiability, since the parameters are encoded
// in the PHC string itself.
const (
	passwordHashTime    = 3
	passwordHashMemory  = 64 * 1024 // KiB
	passwordHashThreads = 4
	passwordHashSaltLen = 16
	passwordHashKeyLen  = 32
)

// ErrInvalidPasswordHash is returned when a PHC-format hash string cannot be
// parsed or names parameters this client does not produce.
var ErrInvalidPasswordHash = errors.New("invalid password hash")

// HashPassword derives an argon2id hash of the password and encodes it as a
// portable PHC string, e.g.
// $argon2id$v=19$m=65536,t=3,p=4$<b64 salt>$<b64 hash>.
// The string, not the raw key, is what gets encrypted to a transaction key
// and delivered to the vault during credential creation.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, passwordHashTime, passwordHashMemory, passwordHashThreads, passwordHashKeyLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		passwordHashMemory, passwordHashTime, passwordHashThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	return encoded, nil
}

// VerifyPassword re-derives the hash from the password using the parameters
// and salt encoded in the PHC string and compares in constant time.
func VerifyPassword(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return false, fmt.Errorf("%w: not an argon2id PHC string", ErrInvalidPasswordHash)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPasswordHash, err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported argon2 version %d", ErrInvalidPasswordHash, version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPasswordHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: bad salt encoding: %v", ErrInvalidPasswordHash, err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("%w: bad hash encoding: %v", ErrInvalidPasswordHash, err)
	}

	actual := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(expected, actual) == 1, nil
}
