/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuer

import (
	"context"
	"testing"

	"github.com/divvy/fabric-gateway/pkg/ca"
	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/issuer/mockissuer"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedAuthority hands out mock and points real at a Fabric CA client for
// the same profile entry, so expectations can forward to the mock server.
type recordedAuthority struct {
	mock *mockissuer.MockAuthority
	real Authority
}

func newRecordedAuthority(ctrl *gomock.Controller) *recordedAuthority {
	return &recordedAuthority{mock: mockissuer.NewMockAuthority(ctrl)}
}

func (r *recordedAuthority) factory(authority profile.CertificateAuthority) (Authority, error) {
	c, err := ca.New(authority)
	if err != nil {
		return nil, err
	}
	r.real = c
	return r.mock, nil
}

func (r *recordedAuthority) enroll(ctx context.Context, req ca.EnrollmentRequest) (*ca.Enrollment, error) {
	return r.real.Enroll(ctx, req)
}

func (r *recordedAuthority) register(ctx context.Context, req ca.RegistrationRequest, registrar *ca.Signer) (string, error) {
	return r.real.Register(ctx, req, registrar)
}

func TestRegisterUserCallOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	authority := newRecordedAuthority(ctrl)

	f := newFixture(t)
	i := f.issuer(WithAuthorityFactory(authority.factory))

	gomock.InOrder(
		authority.mock.EXPECT().
			Enroll(gomock.Any(), ca.EnrollmentRequest{ID: "admin", Secret: "adminpw"}).
			DoAndReturn(authority.enroll),
		authority.mock.EXPECT().
			Register(gomock.Any(), ca.RegistrationRequest{ID: "user1", Type: "client"}, gomock.Not(gomock.Nil())).
			DoAndReturn(authority.register),
		authority.mock.EXPECT().
			Enroll(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, req ca.EnrollmentRequest) (*ca.Enrollment, error) {
				assert.Equal(t, "user1", req.ID)
				assert.NotEmpty(t, req.Secret, "the secret issued by Register is used")
				return authority.enroll(ctx, req)
			}),
	)

	_, err := i.EnrollAdmin(context.Background(), "org1")
	require.NoError(t, err)
	result, err := i.RegisterUser(context.Background(), "org1", "user1")
	require.NoError(t, err)
	assert.Equal(t, Registered, result.Outcome)
	assert.ElementsMatch(t, []string{"admin", "user1"}, f.labels(t, "org1"))
}

func TestEnrollAdminIdempotentCallsAuthorityOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	authority := newRecordedAuthority(ctrl)

	f := newFixture(t)
	i := f.issuer(WithAuthorityFactory(authority.factory))

	authority.mock.EXPECT().Enroll(gomock.Any(), gomock.Any()).DoAndReturn(authority.enroll).Times(1)
	authority.mock.EXPECT().Register(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	for n := 0; n < 3; n++ {
		_, err := i.EnrollAdmin(context.Background(), "org1")
		require.NoError(t, err)
	}
}

func TestRegisterUserWithoutAdminSkipsAuthority(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	authority := newRecordedAuthority(ctrl)

	f := newFixture(t)
	i := f.issuer(WithAuthorityFactory(authority.factory))

	authority.mock.EXPECT().Enroll(gomock.Any(), gomock.Any()).Times(0)
	authority.mock.EXPECT().Register(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := i.RegisterUser(context.Background(), "org1", "user1")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.AdminNotEnrolled))
}

func TestRegisterUserRejectedStoresNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	authority := newRecordedAuthority(ctrl)

	f := newFixture(t)
	i := f.issuer(WithAuthorityFactory(authority.factory))

	gomock.InOrder(
		authority.mock.EXPECT().Enroll(gomock.Any(), gomock.Any()).DoAndReturn(authority.enroll),
		authority.mock.EXPECT().Register(gomock.Any(), gomock.Any(), gomock.Any()).
			Return("", status.New(status.CAServerStatus, status.NotAuthorized, "admin is not a registrar")),
	)
	authority.mock.EXPECT().Enroll(gomock.Any(), ca.EnrollmentRequest{ID: "user1"}).Times(0)

	_, err := i.EnrollAdmin(context.Background(), "org1")
	require.NoError(t, err)
	_, err = i.RegisterUser(context.Background(), "org1", "user1")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.NotAuthorized))
	assert.Equal(t, []string{"admin"}, f.labels(t, "org1"))
}
