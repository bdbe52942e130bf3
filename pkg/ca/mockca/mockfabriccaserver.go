/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mockca provides an in-process Fabric CA for tests. It speaks the
// cfssl response envelope, signs real certificates and verifies registrar
// tokens.
package mockca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cfsslapi "github.com/cloudflare/cfssl/api"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/pkg/errors"
)

var logger = logging.NewLogger("divvy/mockca")

// Fabric CA error codes used by the mock
const (
	ErrAuthenticationFailure = 20
	ErrAuthorizationFailure  = 71
	ErrDupIdentity           = 74
	ErrBadRequest            = 1
)

// The enrollment response from the server
type enrollmentResponseNet struct {
	// Base64 encoded PEM-encoded ECert
	Cert string
	// The server information
	ServerInfo serverInfoResponseNet
}

type serverInfoResponseNet struct {
	CAName  string
	CAChain string
}

type registrationResponseNet struct {
	Secret string `json:"secret"`
}

type user struct {
	secret    string
	registrar bool
}

// MockFabricCAServer is an httptest backed certificate authority
type MockFabricCAServer struct {
	*httptest.Server

	CAName string

	rootKey  *ecdsa.PrivateKey
	rootCert *x509.Certificate
	rootPEM  []byte

	mu     sync.Mutex
	users  map[string]*user
	serial int64
	delay  time.Duration

	enrollCalls   int32
	registerCalls int32
}

// New starts a mock CA with the bootstrap registrar admin/adminpw
func New(caName string) (*MockFabricCAServer, error) {
	s := &MockFabricCAServer{CAName: caName, users: map[string]*user{}}
	if err := s.initRoot(); err != nil {
		return nil, err
	}
	s.AddUser("admin", "adminpw", true)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/enroll", s.enroll)
	mux.HandleFunc("/api/v1/register", s.register)
	s.Server = httptest.NewServer(mux)
	logger.Debugf("mock CA %s started on %s", caName, s.URL)
	return s, nil
}

func (s *MockFabricCAServer) initRoot() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: s.CAName, Organization: []string{"divvy"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	s.rootKey, s.rootCert = key, cert
	s.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	s.serial = 1
	return nil
}

// Authority describes the mock as a connection profile entry
func (s *MockFabricCAServer) Authority() profile.CertificateAuthority {
	return profile.CertificateAuthority{Name: "ca.mock", URL: s.URL, CAName: s.CAName, Verify: true}
}

// RootPEM returns the PEM encoded root certificate
func (s *MockFabricCAServer) RootPEM() []byte {
	return s.rootPEM
}

// AddUser registers id directly
func (s *MockFabricCAServer) AddUser(id, secret string, registrar bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &user{secret: secret, registrar: registrar}
}

// Registered reports whether id is known to the CA
func (s *MockFabricCAServer) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[id]
	return ok
}

// SetDelay delays every response
func (s *MockFabricCAServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// EnrollCalls returns the number of enroll requests received
func (s *MockFabricCAServer) EnrollCalls() int {
	return int(atomic.LoadInt32(&s.enrollCalls))
}

// RegisterCalls returns the number of register requests received
func (s *MockFabricCAServer) RegisterCalls() int {
	return int(atomic.LoadInt32(&s.registerCalls))
}

// Calls returns the number of requests received
func (s *MockFabricCAServer) Calls() int {
	return s.EnrollCalls() + s.RegisterCalls()
}

func (s *MockFabricCAServer) wait(req *http.Request) bool {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d == 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-req.Context().Done():
		return false
	}
}

// Enroll user
func (s *MockFabricCAServer) enroll(w http.ResponseWriter, req *http.Request) {
	atomic.AddInt32(&s.enrollCalls, 1)
	if !s.wait(req) {
		return
	}

	id, secret, ok := req.BasicAuth()
	s.mu.Lock()
	u, known := s.users[id]
	s.mu.Unlock()
	if !ok || !known || u.secret != secret {
		sendError(w, http.StatusUnauthorized, "Authentication failure", ErrAuthenticationFailure)
		return
	}

	var body struct {
		Request string `json:"certificate_request"`
		CAName  string `json:"caname"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, err.Error(), ErrBadRequest)
		return
	}
	if body.CAName != "" && body.CAName != s.CAName {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("CA '%s' does not exist", body.CAName), 19)
		return
	}

	cert, err := s.sign(id, []byte(body.Request))
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error(), ErrBadRequest)
		return
	}
	resp := &enrollmentResponseNet{
		Cert: base64.StdEncoding.EncodeToString(cert),
		ServerInfo: serverInfoResponseNet{
			CAName:  s.CAName,
			CAChain: base64.StdEncoding.EncodeToString(s.rootPEM),
		},
	}
	if err := cfsslapi.SendResponse(w, resp); err != nil {
		logger.Error(err)
	}
}

func (s *MockFabricCAServer) sign(id string, csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, errors.New("certificate request is not PEM encoded")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}
	if csr.Subject.CommonName != id {
		return nil, errors.Errorf("the CSR subject common name must equal the enrollment ID")
	}

	s.mu.Lock()
	s.serial++
	serial := s.serial
	s.mu.Unlock()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: id, OrganizationalUnit: []string{"client"}},
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, s.rootCert, csr.PublicKey, s.rootKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// Register user
func (s *MockFabricCAServer) register(w http.ResponseWriter, req *http.Request) {
	atomic.AddInt32(&s.registerCalls, 1)
	if !s.wait(req) {
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error(), ErrBadRequest)
		return
	}
	registrar, err := s.verifyToken(req, body)
	if err != nil {
		sendError(w, http.StatusUnauthorized, "Authorization failure: "+err.Error(), ErrAuthorizationFailure)
		return
	}

	var regReq struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(body, &regReq); err != nil || regReq.ID == "" {
		sendError(w, http.StatusBadRequest, "invalid registration request", ErrBadRequest)
		return
	}

	s.mu.Lock()
	r, ok := s.users[registrar]
	if !ok || !r.registrar {
		s.mu.Unlock()
		sendError(w, http.StatusUnauthorized, fmt.Sprintf("Authorization failure: identity '%s' is not a registrar", registrar), ErrAuthorizationFailure)
		return
	}
	if _, exists := s.users[regReq.ID]; exists {
		s.mu.Unlock()
		sendError(w, http.StatusInternalServerError,
			fmt.Sprintf("Registration of '%s' failed: Identity '%s' is already registered", regReq.ID, regReq.ID), ErrDupIdentity)
		return
	}
	secret := regReq.Secret
	if secret == "" {
		secret = fmt.Sprintf("%sPW%d", regReq.ID, time.Now().UnixNano()%100000)
	}
	s.users[regReq.ID] = &user{secret: secret}
	s.mu.Unlock()

	if err := cfsslapi.SendResponse(w, &registrationResponseNet{Secret: secret}); err != nil {
		logger.Error(err)
	}
}

type ecdsaSignature struct {
	R, S *big.Int
}

// verifyToken checks the token authorization header and returns the
// enrollment ID of the signer
func (s *MockFabricCAServer) verifyToken(req *http.Request, body []byte) (string, error) {
	parts := strings.Split(req.Header.Get("authorization"), ".")
	if len(parts) != 2 {
		return "", errors.New("invalid token format")
	}
	certPEM, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	sigDER, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", errors.New("token certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	if err := cert.CheckSignatureFrom(s.rootCert); err != nil {
		return "", errors.Wrap(err, "certificate was not issued by this CA")
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return "", errors.New("unsupported key type")
	}

	enc := base64.StdEncoding.EncodeToString
	payload := req.Method + "." + enc([]byte(req.URL.RequestURI())) + "." + enc(body) + "." + parts[0]
	digest := sha256.Sum256([]byte(payload))

	sig := ecdsaSignature{}
	if _, err := asn1.Unmarshal(sigDER, &sig); err != nil {
		return "", err
	}
	if sig.S.Cmp(new(big.Int).Rsh(pub.Curve.Params().N, 1)) == 1 {
		return "", errors.New("signature is not in low-S form")
	}
	if !ecdsa.Verify(pub, digest[:], sig.R, sig.S) {
		return "", errors.New("invalid token signature")
	}
	return cert.Subject.CommonName, nil
}

func sendError(w http.ResponseWriter, code int, msg string, errCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(cfsslapi.NewErrorResponse(msg, errCode)); err != nil {
		logger.Error(err)
	}
}
