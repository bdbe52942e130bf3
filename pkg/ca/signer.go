/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"math/big"

	"github.com/pkg/errors"
)

// Signer is an enrolled identity able to authorize requests to the authority
type Signer struct {
	// Certificate is the PEM encoded enrollment certificate
	Certificate []byte
	Key         crypto.Signer
}

// NewSigner returns a signer for cert and key
func NewSigner(certPEM []byte, key crypto.Signer) *Signer {
	return &Signer{Certificate: certPEM, Key: key}
}

type ecdsaSignature struct {
	R, S *big.Int
}

// token builds the authorization header value of the Fabric CA token scheme:
// b64(cert) "." b64(sig), where sig signs
// method "." b64(uri) "." b64(body) "." b64(cert).
func (s *Signer) token(method, uri string, body []byte) (string, error) {
	pub, ok := s.Key.Public().(*ecdsa.PublicKey)
	if !ok {
		return "", errors.Errorf("unsupported registrar key type %T", s.Key.Public())
	}

	b64cert := b64(s.Certificate)
	payload := method + "." + b64([]byte(uri)) + "." + b64(body) + "." + b64cert
	digest := sha256.Sum256([]byte(payload))

	der, err := s.Key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return "", errors.Wrap(err, "signature generation failure")
	}
	sig, err := toLowS(pub, der)
	if err != nil {
		return "", err
	}
	return b64cert + "." + b64(sig), nil
}

// toLowS rewrites an ECDSA signature so that S is in the lower half of the
// curve order, which Fabric requires.
func toLowS(pub *ecdsa.PublicKey, der []byte) ([]byte, error) {
	sig := ecdsaSignature{}
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal signature")
	}
	n := pub.Curve.Params().N
	halfOrder := new(big.Int).Rsh(n, 1)
	if sig.S.Cmp(halfOrder) == 1 {
		sig.S.Sub(n, sig.S)
	}
	return asn1.Marshal(sig)
}

func b64(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}
