/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/cloudflare/cfssl/csr"
	"github.com/pkg/errors"
)

// generateCSR creates a P-256 key and a certificate signing request for id
func (c *Client) generateCSR(id string) (*ecdsa.PrivateKey, []byte, []string, error) {
	hosts := c.hosts
	if hosts == nil {
		// Default requested hosts are local hostname
		if hostname, _ := os.Hostname(); hostname != "" {
			hosts = []string{hostname}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed generating key")
	}

	cr := &csr.CertificateRequest{
		CN:    id,
		Hosts: hosts,
	}
	csrPEM, err := csr.Generate(key, cr)
	if err != nil {
		logger.Debugf("failed generating CSR: %s", err)
		return nil, nil, nil, err
	}
	return key, csrPEM, hosts, nil
}

// matchKey checks that the certificate certifies the public half of key
func matchKey(certPEM []byte, key *ecdsa.PrivateKey) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return errors.New("certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return errors.Wrap(err, "failed to parse certificate")
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return errors.New("certificate does not match the generated key")
	}
	return nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
