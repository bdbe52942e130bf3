/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wallet

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"

	"github.com/pkg/errors"
)

const x509Type = "X.509"

// Identity is an X.509 identity held in a wallet. It is immutable once stored.
type Identity struct {
	Version     int         `json:"version"`
	MspID       string      `json:"mspId"`
	IDType      string      `json:"type"`
	Credentials credentials `json:"credentials"`
}

type credentials struct {
	Certificate      string `json:"certificate"`
	Key              string `json:"privateKey"`
	RootCertificates string `json:"rootCertificates,omitempty"`
}

// NewX509Identity creates an X509 identity for storage in a wallet
func NewX509Identity(mspid, cert, key, roots string) *Identity {
	return &Identity{1, mspid, x509Type, credentials{cert, key, roots}}
}

// MSPID returns the membership service provider the identity belongs to
func (x *Identity) MSPID() string {
	return x.MspID
}

// Certificate returns the X509 certificate PEM
func (x *Identity) Certificate() string {
	return x.Credentials.Certificate
}

// Key returns the private key PEM
func (x *Identity) Key() string {
	return x.Credentials.Key
}

// RootCertificates returns the PEM chain of the issuing CA, if known
func (x *Identity) RootCertificates() string {
	return x.Credentials.RootCertificates
}

// X509Certificate parses the identity's certificate
func (x *Identity) X509Certificate() (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(x.Credentials.Certificate))
	if block == nil {
		return nil, errors.New("certificate is not PEM encoded")
	}
	return x509.ParseCertificate(block.Bytes)
}

// PrivateKey parses the identity's private key. PKCS#8 and SEC 1 EC keys are
// accepted.
func (x *Identity) PrivateKey() (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(x.Credentials.Key))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	return key, nil
}

// Validate checks the identity carries parseable credentials
func (x *Identity) Validate() error {
	if x.IDType != x509Type {
		return errors.Errorf("unsupported identity type: %s", x.IDType)
	}
	if x.MspID == "" {
		return errors.New("identity has no MSP ID")
	}
	if _, err := x.X509Certificate(); err != nil {
		return errors.WithMessage(err, "invalid certificate")
	}
	if _, err := x.PrivateKey(); err != nil {
		return errors.WithMessage(err, "invalid private key")
	}
	return nil
}

func (x *Identity) toJSON() ([]byte, error) {
	return json.Marshal(x)
}

func fromJSON(data []byte) (*Identity, error) {
	var head struct {
		IDType *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(err, "Invalid identity format")
	}
	if head.IDType == nil {
		return nil, errors.New("Invalid identity format: missing type property")
	}
	if *head.IDType != x509Type {
		return nil, errors.New("Invalid identity format: unsupported identity type: " + *head.IDType)
	}

	id := &Identity{}
	if err := json.Unmarshal(data, id); err != nil {
		return nil, errors.Wrap(err, "Invalid identity format")
	}
	return id, nil
}
