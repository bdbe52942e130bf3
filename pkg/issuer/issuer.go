/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package issuer provisions wallet identities. EnrollAdmin bootstraps the
// organization's registrar; RegisterUser has that registrar create and
// enroll application users. Neither leaves partial state behind: an identity
// is stored only after every CA round trip succeeded.
package issuer

import (
	"context"
	"fmt"
	"time"

	"github.com/divvy/fabric-gateway/pkg/ca"
	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/metrics"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/divvy/fabric-gateway/pkg/wallet"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/pkg/errors"
)

var logger = logging.NewLogger("divvy/issuer")

//go:generate mockgen -destination mockissuer/mockauthority.gen.go -package mockissuer . Authority

// Authority is the certificate authority API the workflows need
type Authority interface {
	Enroll(ctx context.Context, req ca.EnrollmentRequest) (*ca.Enrollment, error)
	Register(ctx context.Context, req ca.RegistrationRequest, registrar *ca.Signer) (string, error)
}

// AuthorityFactory builds an Authority for a profile entry
type AuthorityFactory func(authority profile.CertificateAuthority) (Authority, error)

// Outcome of a workflow
type Outcome int

const (
	// Enrolled means a new admin identity was stored
	Enrolled Outcome = iota
	// AlreadyEnrolled means the admin identity existed; nothing was done
	AlreadyEnrolled
	// Registered means a new user identity was stored
	Registered
	// AlreadyRegistered means the user identity existed; nothing was done
	AlreadyRegistered
)

// Result describes a completed workflow
type Result struct {
	Org     string
	Label   string
	Outcome Outcome
	MSPID   string
}

// Message returns the operator facing summary
func (r *Result) Message() string {
	switch r.Outcome {
	case Enrolled:
		return fmt.Sprintf("Successfully enrolled admin user %q and imported it into the wallet", r.Label)
	case AlreadyEnrolled:
		return fmt.Sprintf("An identity for the admin user %q already exists in the wallet", r.Label)
	case Registered:
		return fmt.Sprintf("Successfully registered and enrolled user %q and imported it into the wallet", r.Label)
	default:
		return fmt.Sprintf("An identity for the user %q already exists in the wallet", r.Label)
	}
}

// Issuer runs the enrollment and registration workflows
type Issuer struct {
	wallets  wallet.Provider
	profiles session.ProfileSource
	sessions session.Opener

	adminLabel   string
	adminSecret  string
	userRole     string
	mspTemplate  string
	caTemplate   string
	timeout      time.Duration
	metrics      *metrics.Metrics
	newAuthority AuthorityFactory
}

// Option configures an Issuer
type Option func(i *Issuer)

// WithAdmin sets the label and bootstrap secret of the registrar
func WithAdmin(label, secret string) Option {
	return func(i *Issuer) {
		i.adminLabel, i.adminSecret = label, secret
	}
}

// WithUserRole sets the type registered users get
func WithUserRole(role string) Option {
	return func(i *Issuer) {
		i.userRole = role
	}
}

// WithMSPTemplate sets the MSP ID template used when the profile has none
func WithMSPTemplate(template string) Option {
	return func(i *Issuer) {
		i.mspTemplate = template
	}
}

// WithCATemplate sets the profile key template of the organization's CA
func WithCATemplate(template string) Option {
	return func(i *Issuer) {
		i.caTemplate = template
	}
}

// WithTimeout bounds every CA round trip
func WithTimeout(d time.Duration) Option {
	return func(i *Issuer) {
		i.timeout = d
	}
}

// WithMetrics instruments the default CA client
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) {
		i.metrics = m
	}
}

// WithAuthorityFactory replaces the Fabric CA client
func WithAuthorityFactory(f AuthorityFactory) Option {
	return func(i *Issuer) {
		i.newAuthority = f
	}
}

// New returns an Issuer
func New(wallets wallet.Provider, profiles session.ProfileSource, sessions session.Opener, opts ...Option) *Issuer {
	i := &Issuer{
		wallets:     wallets,
		profiles:    profiles,
		sessions:    sessions,
		adminLabel:  "admin",
		adminSecret: "adminpw",
		userRole:    "client",
		mspTemplate: "{org}-msp",
		caTemplate:  "ca.{org}.divvy.com",
		timeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.newAuthority == nil {
		i.newAuthority = func(authority profile.CertificateAuthority) (Authority, error) {
			c, err := ca.New(authority, ca.WithMetrics(i.metrics))
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	return i
}

func (i *Issuer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, i.timeout)
}

// EnrollAdmin enrolls the organization's admin with its bootstrap secret and
// stores the identity. An admin already in the wallet is left untouched and
// reported as AlreadyEnrolled without contacting the CA.
func (i *Issuer) EnrollAdmin(ctx context.Context, org string) (*Result, error) {
	p, err := i.profiles.Load(org)
	if err != nil {
		return nil, err
	}
	w, err := i.wallets.Wallet(org)
	if err != nil {
		return nil, err
	}

	unlock := w.Lock(i.adminLabel)
	defer unlock()

	mspID := p.MSPID(i.mspTemplate)
	if w.Exists(i.adminLabel) {
		logger.Infof("An identity for the admin user %q already exists in the wallet of %s", i.adminLabel, org)
		return &Result{Org: org, Label: i.adminLabel, Outcome: AlreadyEnrolled, MSPID: mspID}, nil
	}

	caInfo, err := p.CertificateAuthority(i.caTemplate)
	if err != nil {
		return nil, err
	}
	authority, err := i.newAuthority(*caInfo)
	if err != nil {
		return nil, err
	}

	rctx, cancel := i.withTimeout(ctx)
	defer cancel()
	enrollment, err := authority.Enroll(rctx, ca.EnrollmentRequest{ID: i.adminLabel, Secret: i.adminSecret})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to enroll admin user %q", i.adminLabel)
	}

	id := wallet.NewX509Identity(mspID, string(enrollment.Certificate), string(enrollment.KeyPEM), string(enrollment.CAChain))
	if err := i.store(w, i.adminLabel, id); err != nil {
		return nil, err
	}
	logger.Infof("Successfully enrolled admin user %q of %s", i.adminLabel, org)
	return &Result{Org: org, Label: i.adminLabel, Outcome: Enrolled, MSPID: mspID}, nil
}

// RegisterUser registers user with the organization's CA, authorized by the
// enrolled admin, then enrolls it and stores the identity. Register and
// enroll are two separate round trips. A user already in the wallet is
// reported as AlreadyRegistered without contacting the CA.
func (i *Issuer) RegisterUser(ctx context.Context, org, user string) (*Result, error) {
	if user == "" || user == i.adminLabel {
		return nil, status.Newf(status.GatewayStatus, status.InvalidArgument, "invalid user name %q", user)
	}
	w, err := i.wallets.Wallet(org)
	if err != nil {
		return nil, err
	}

	unlock := w.Lock(user)
	defer unlock()

	if w.Exists(user) {
		id, err := w.Get(user)
		if err != nil {
			return nil, err
		}
		logger.Infof("An identity for the user %q already exists in the wallet of %s", user, org)
		return &Result{Org: org, Label: user, Outcome: AlreadyRegistered, MSPID: id.MSPID()}, nil
	}
	if !w.Exists(i.adminLabel) {
		return nil, status.Newf(status.WalletStatus, status.AdminNotEnrolled,
			"An identity for the admin user %q does not exist in the wallet. Run \"identity enrolladmin %s\" before retrying",
			i.adminLabel, org)
	}

	var result *Result
	err = session.Use(ctx, i.sessions, org, i.adminLabel, func(s session.Session) error {
		caInfo, err := s.Authority()
		if err != nil {
			return err
		}
		authority, err := i.newAuthority(*caInfo)
		if err != nil {
			return err
		}
		admin := s.Identity()
		key, err := admin.PrivateKey()
		if err != nil {
			return status.Wrap(status.WalletStatus, status.IOError, err, "unusable admin identity")
		}
		registrar := ca.NewSigner([]byte(admin.Certificate()), key)

		rctx, cancel := i.withTimeout(ctx)
		defer cancel()
		secret, err := authority.Register(rctx, ca.RegistrationRequest{ID: user, Type: i.userRole}, registrar)
		if err != nil {
			return errors.WithMessagef(err, "failed to register user %q", user)
		}

		ectx, ecancel := i.withTimeout(ctx)
		defer ecancel()
		enrollment, err := authority.Enroll(ectx, ca.EnrollmentRequest{ID: user, Secret: secret})
		if err != nil {
			return errors.WithMessagef(err, "failed to enroll user %q", user)
		}

		id := wallet.NewX509Identity(admin.MSPID(), string(enrollment.Certificate), string(enrollment.KeyPEM), string(enrollment.CAChain))
		if err := i.store(w, user, id); err != nil {
			return err
		}
		result = &Result{Org: org, Label: user, Outcome: Registered, MSPID: id.MSPID()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Successfully registered and enrolled user %q of %s", user, org)
	return result, nil
}

// store inserts id unless another process stored label first
func (i *Issuer) store(w *wallet.Wallet, label string, id *wallet.Identity) error {
	stored, err := w.PutIfAbsent(label, id)
	if err != nil {
		return err
	}
	if !stored {
		return status.Newf(status.WalletStatus, status.AlreadyExists,
			"An identity for %q was stored concurrently in the wallet of %s", label, w.Org())
	}
	return nil
}
