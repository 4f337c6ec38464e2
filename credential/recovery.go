package credential

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/hashicorp/vault/shamir"
)

// RecoveryKit is an offline backup of a credential: the credential sealed
// with age to a throwaway identity, plus that identity split into Shamir
// shares. Any threshold subset of shares recombines into the identity and
// unseals the credential; fewer shares reveal nothing.
type RecoveryKit struct {
	// SealedCredential is the age ciphertext of the credential blob.
	SealedCredential []byte

	// Shares are the Shamir shares of the age identity string. Distribute
	// them to separate custodians and discard the kit's in-memory copy.
	Shares [][]byte

	// Threshold is the number of shares required to recover.
	Threshold int
}

// NewRecoveryKit seals a credential blob and splits the sealing identity
// into total shares with the given recovery threshold.
func NewRecoveryKit(credentialBlob []byte, threshold, total int) (*RecoveryKit, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if total < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate recovery identity: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("failed to create age encryptor: %w", err)
	}
	if _, err := writer.Write(credentialBlob); err != nil {
		return nil, fmt.Errorf("failed to seal credential: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize sealing: %w", err)
	}

	shares, err := shamir.Split([]byte(identity.String()), total, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split recovery identity: %w", err)
	}

	return &RecoveryKit{
		SealedCredential: sealed.Bytes(),
		Shares:           shares,
		Threshold:        threshold,
	}, nil
}

// Recover recombines shares into the sealing identity and unseals the
// credential blob. Any threshold-sized subset of the original shares works;
// share order does not matter.
func Recover(sealedCredential []byte, shares [][]byte) ([]byte, error) {
	identityString, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}

	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(identityString)))
	if err != nil {
		return nil, fmt.Errorf("combined shares do not form a recovery identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(sealedCredential), identity)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credential: %w", err)
	}

	blob, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read unsealed credential: %w", err)
	}
	return blob, nil
}
