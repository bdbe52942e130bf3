/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ca is a client of the Fabric CA REST API. It enrolls identities
// against a certificate authority and registers new ones on behalf of a
// registrar.
package ca

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cfsslapi "github.com/cloudflare/cfssl/api"
	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/metrics"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

var logger = logging.NewLogger("divvy/ca")

const (
	apiPrefix = "api/v1"

	opEnroll   = "enroll"
	opRegister = "register"
)

// Client talks to one certificate authority
type Client struct {
	authority  profile.CertificateAuthority
	baseURL    *url.URL
	httpClient *http.Client
	hosts      []string
	metrics    *metrics.Metrics
}

// Option configures a Client
type Option func(c *Client) error

// WithHTTPClient replaces the HTTP client built from the authority's TLS settings
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithHosts sets the hosts requested in certificate signing requests. The
// local hostname is used by default.
func WithHosts(hosts ...string) Option {
	return func(c *Client) error {
		c.hosts = hosts
		return nil
	}
}

// WithMetrics records every round trip
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// New creates a client for authority
func New(authority profile.CertificateAuthority, opts ...Option) (*Client, error) {
	u, err := normalizeURL(authority.URL)
	if err != nil {
		return nil, status.Wrap(status.CAClientStatus, status.InvalidArgument, err, "invalid certificate authority url "+authority.URL)
	}
	c := &Client{authority: authority, baseURL: u}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.httpClient == nil {
		hc, err := newHTTPClient(authority, u.Scheme == "https")
		if err != nil {
			return nil, err
		}
		c.httpClient = hc
	}
	return c, nil
}

// Name returns the profile name of the authority
func (c *Client) Name() string {
	return c.authority.Name
}

func newHTTPClient(authority profile.CertificateAuthority, useTLS bool) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if useTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if !authority.Verify {
			logger.Warnf("TLS verification of certificate authority %s is disabled", authority.Name)
			tlsConfig.InsecureSkipVerify = true // nolint: gosec
		} else if len(authority.TrustRoots) > 0 {
			pool := x509.NewCertPool()
			for _, pem := range authority.TrustRoots {
				if !pool.AppendCertsFromPEM(pem) {
					return nil, status.Newf(status.CAClientStatus, status.InvalidArgument, "invalid TLS root certificate for %s", authority.Name)
				}
			}
			tlsConfig.RootCAs = pool
		}
		tr.TLSClientConfig = tlsConfig
	}
	return &http.Client{Transport: tr}, nil
}

// EnrollmentRequest carries the enrollment ID and secret
type EnrollmentRequest struct {
	ID     string
	Secret string
	// Profile and Label select a signing profile and HSM label on the server
	Profile string
	Label   string
}

// Enrollment is the outcome of a successful enrollment
type Enrollment struct {
	// Certificate is the PEM encoded enrollment certificate
	Certificate []byte
	// Key is the private key generated for the certificate
	Key *ecdsa.PrivateKey
	// KeyPEM is Key in PKCS#8 PEM form
	KeyPEM []byte
	// CAName is the name the server reported
	CAName string
	// CAChain is the PEM encoded certificate chain of the CA
	CAChain []byte
}

type enrollmentRequestNet struct {
	Request string   `json:"certificate_request"`
	Hosts   []string `json:"hosts,omitempty"`
	CAName  string   `json:"caname,omitempty"`
	Profile string   `json:"profile,omitempty"`
	Label   string   `json:"label,omitempty"`
}

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

// Enroll generates a key pair and a CSR for req.ID and has the authority
// sign it. The private key never leaves the process.
func (c *Client) Enroll(ctx context.Context, req EnrollmentRequest) (enrollment *Enrollment, err error) {
	defer func() { c.metrics.ObserveCA(opEnroll, err) }()

	if req.ID == "" {
		return nil, status.New(status.CAClientStatus, status.InvalidArgument, "enrollment ID is required")
	}
	logger.Debugf("Enrolling %s with %s", req.ID, c.authority.Name)

	key, csrPEM, hosts, err := c.generateCSR(req.ID)
	if err != nil {
		return nil, status.Wrap(status.CAClientStatus, status.Unknown, err, "failure generating CSR")
	}

	body, err := json.Marshal(&enrollmentRequestNet{
		Request: string(csrPEM),
		Hosts:   hosts,
		CAName:  c.authority.CAName,
		Profile: req.Profile,
		Label:   req.Label,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal enrollment request")
	}

	post, err := c.newPost(ctx, opEnroll, body)
	if err != nil {
		return nil, err
	}
	post.SetBasicAuth(req.ID, req.Secret)

	var result enrollmentResponseNet
	if err := c.sendReq(post, opEnroll, &result); err != nil {
		return nil, err
	}
	return newEnrollment(&result, key)
}

func newEnrollment(result *enrollmentResponseNet, key *ecdsa.PrivateKey) (*Enrollment, error) {
	cert, err := base64.StdEncoding.DecodeString(result.Cert)
	if err != nil {
		return nil, status.Wrap(status.CAServerStatus, status.EnrollmentRejected, err, "invalid response format from server")
	}
	if err := matchKey(cert, key); err != nil {
		return nil, status.Wrap(status.CAServerStatus, status.EnrollmentRejected, err, "invalid certificate from server")
	}
	chain, err := base64.StdEncoding.DecodeString(result.ServerInfo.CAChain)
	if err != nil {
		return nil, status.Wrap(status.CAServerStatus, status.EnrollmentRejected, err, "invalid CA chain from server")
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Certificate: cert,
		Key:         key,
		KeyPEM:      keyPEM,
		CAName:      result.ServerInfo.CAName,
		CAChain:     chain,
	}, nil
}

// Attribute is a registration attribute
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	ECert bool   `json:"ecert,omitempty"`
}

// RegistrationRequest describes the identity to register
type RegistrationRequest struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	// Secret is generated by the authority when empty
	Secret         string      `json:"secret,omitempty"`
	MaxEnrollments int         `json:"max_enrollments,omitempty"`
	Affiliation    string      `json:"affiliation"`
	Attributes     []Attribute `json:"attrs,omitempty"`
	CAName         string      `json:"caname,omitempty"`
}

type registrationResponseNet struct {
	Secret string
}

// Register registers req.ID with the authority, authorized by registrar,
// and returns the enrollment secret.
func (c *Client) Register(ctx context.Context, req RegistrationRequest, registrar *Signer) (secret string, err error) {
	defer func() { c.metrics.ObserveCA(opRegister, err) }()

	if req.ID == "" {
		return "", status.New(status.CAClientStatus, status.InvalidArgument, "Register was called without an ID set")
	}
	if registrar == nil {
		return "", status.New(status.CAClientStatus, status.NotAuthorized, "registration requires a registrar identity")
	}
	if req.CAName == "" {
		req.CAName = c.authority.CAName
	}
	logger.Debugf("Registering %s with %s", req.ID, c.authority.Name)

	body, err := json.Marshal(&req)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal registration request")
	}
	post, err := c.newPost(ctx, opRegister, body)
	if err != nil {
		return "", err
	}
	token, err := registrar.token(post.Method, post.URL.RequestURI(), body)
	if err != nil {
		return "", status.Wrap(status.CAClientStatus, status.NotAuthorized, err, "failed to add token authorization header")
	}
	post.Header.Set("authorization", token)

	var result registrationResponseNet
	if err := c.sendReq(post, opRegister, &result); err != nil {
		return "", err
	}
	logger.Debugf("The register request for %s completed successfully", req.ID)
	return result.Secret, nil
}

func (c *Client) newPost(ctx context.Context, endpoint string, body []byte) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + apiPrefix + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed posting to %s", u.String())
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// sendReq sends a request to the certificate authority and decodes the
// result of the cfssl response envelope into result.
func (c *Client) sendReq(req *http.Request, op string, result interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if s := status.FromContext(status.CAClientStatus, req.Context().Err(), op+" request to "+c.authority.Name+" failed"); s != nil {
			return s
		}
		return status.Wrap(status.CAClientStatus, status.AuthorityUnreachable, err, op+" request to "+c.authority.Name+" failed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("Failed to close the response body: %s", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if s := status.FromContext(status.CAClientStatus, req.Context().Err(), "failed to read "+op+" response"); s != nil {
			return s
		}
		return status.Wrap(status.CAClientStatus, status.AuthorityUnreachable, err, "failed to read "+op+" response")
	}
	logger.Debugf("%s %s: %d in %s", req.Method, req.URL.Path, resp.StatusCode, time.Since(start))

	var body *cfsslapi.Response
	if len(respBody) > 0 {
		body = new(cfsslapi.Response)
		if err := json.Unmarshal(respBody, body); err != nil {
			if resp.StatusCode >= 400 {
				return classify(op, resp.StatusCode, strings.TrimSpace(string(respBody)))
			}
			return status.Wrap(status.CAServerStatus, status.Unknown, err, "failed to parse "+op+" response")
		}
		if len(body.Errors) > 0 {
			var msgs []string
			for _, e := range body.Errors {
				msgs = append(msgs, fmt.Sprintf("Error Code: %d - %s", e.Code, e.Message))
			}
			return classify(op, resp.StatusCode, strings.Join(msgs, "; "))
		}
	}
	if resp.StatusCode >= 400 {
		return classify(op, resp.StatusCode, fmt.Sprintf("failed with server status code %d", resp.StatusCode))
	}
	if body == nil {
		return status.Newf(status.CAServerStatus, status.Unknown, "empty %s response body", op)
	}
	if !body.Success {
		return classify(op, resp.StatusCode, "server returned failure for "+op+" request")
	}
	if result != nil {
		if err := mapstructure.Decode(body.Result, result); err != nil {
			return status.Wrap(status.CAServerStatus, status.Unknown, err, "invalid "+op+" result")
		}
	}
	return nil
}

// classify maps a failed response of the authority onto a status code
func classify(op string, code int, msg string) error {
	lower := strings.ToLower(msg)
	msg = "Response from server: " + msg

	if strings.Contains(lower, "already registered") {
		return status.New(status.CAServerStatus, status.AlreadyRegistered, msg)
	}
	switch op {
	case opEnroll:
		if code == http.StatusUnauthorized || code == http.StatusForbidden || strings.Contains(lower, "authentication failure") {
			return status.New(status.CAServerStatus, status.EnrollmentRejected, msg)
		}
		if code >= 400 && code < 500 {
			return status.New(status.CAServerStatus, status.EnrollmentRejected, msg)
		}
	case opRegister:
		if code == http.StatusUnauthorized || code == http.StatusForbidden ||
			strings.Contains(lower, "not authorized") || strings.Contains(lower, "registrar") {
			return status.New(status.CAServerStatus, status.NotAuthorized, msg)
		}
	}
	if code >= 500 {
		return status.New(status.CAServerStatus, status.AuthorityUnreachable, msg)
	}
	return status.New(status.CAServerStatus, status.Unknown, msg)
}

// normalizeURL accepts host:port as well as full URLs; the scheme defaults
// to http.
func normalizeURL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty url")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}
