package cryptoutils

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// tdxDocument is the wrapper the vault emits for TDX attestation: the raw
// DCAP quote plus the public key the quote's report data binds. The report
// data itself is SHA-512 over nonce followed by public key, which ties the
// quote to both this handshake and this key.
type tdxDocument struct {
	Quote     []byte `json:"quote"`
	PublicKey []byte `json:"public_key"`
}

// DCAPVerifier verifies TDX DCAP quotes via Intel's collateral chain and
// compares MRTD and RTMR measurements against policy. Measurement index 0 is
// MRTD, indexes 1 through 4 are RTMR0 through RTMR3.
type DCAPVerifier struct {
	// Options passes through to the quote verifier; nil selects the
	// library defaults (full collateral fetch and TCB evaluation).
	Options *verify.Options
}

// AttestationType returns the TDX format identifier.
func (v *DCAPVerifier) AttestationType() string { return DCAPAttestation }

// Verify checks the quote signature and collateral, the nonce binding in
// report data, and the measurement registers, and extracts the bound key.
func (v *DCAPVerifier) Verify(document []byte, expected interfaces.Measurements, nonce []byte) (interfaces.AttestedPublicKey, error) {
	var parsed tdxDocument
	if err := json.Unmarshal(document, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed TDX document: %v", interfaces.ErrAttestationFailed, err)
	}

	protoQuote, err := tdx_abi.QuoteToProto(parsed.Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse quote: %v", interfaces.ErrAttestationFailed, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported quote type %T", interfaces.ErrAttestationFailed, protoQuote)
	}

	options := v.Options
	if options == nil {
		options = verify.DefaultOptions()
	}
	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return nil, fmt.Errorf("%w: quote verification failed: %v", interfaces.ErrAttestationFailed, err)
	}

	reportData := sha512.Sum512(append(append([]byte{}, nonce...), parsed.PublicKey...))
	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("%w: report data does not bind nonce and public key", interfaces.ErrAttestationFailed)
	}

	observed := interfaces.Measurements{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
	}
	if err := expected.Verify(observed); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationFailed, err)
	}

	publicKey, err := interfaces.NewAttestedPublicKey(parsed.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: document public key: %v", interfaces.ErrAttestationFailed, err)
	}
	return publicKey, nil
}
