/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"context"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	sdkstatus "github.com/hyperledger/fabric-sdk-go/pkg/common/errors/status"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// ledgerError maps an SDK or gRPC failure onto a status. Transport failures
// become NetworkTimeout or Unavailable; chaincode failures keep the message
// produced by the contract. Anything else gets the fallback code.
func ledgerError(ctx context.Context, err error, fallback status.Code, msg string) error {
	if err == nil {
		return nil
	}
	if s := status.FromContext(status.LedgerStatus, ctx.Err(), msg); s != nil {
		return s
	}

	if s, ok := sdkstatus.FromError(err); ok {
		switch s.Group {
		case sdkstatus.GRPCTransportStatus:
			if code, ok := transportCode(codes.Code(s.Code)); ok {
				return status.Wrap(status.LedgerStatus, code, err, msg)
			}
		case sdkstatus.EndorserClientStatus, sdkstatus.OrdererClientStatus, sdkstatus.ClientStatus:
			switch s.Code {
			case sdkstatus.Timeout.ToInt32():
				return status.Wrap(status.LedgerStatus, status.NetworkTimeout, err, msg)
			case sdkstatus.ConnectionFailed.ToInt32(), sdkstatus.NoPeersFound.ToInt32():
				return status.Wrap(status.LedgerStatus, status.Unavailable, err, msg)
			}
		case sdkstatus.ChaincodeStatus, sdkstatus.EndorserServerStatus:
			return status.New(status.LedgerStatus, fallback, s.Message)
		}
	}

	if s, ok := grpcstatus.FromError(errors.Cause(err)); ok {
		if code, ok := transportCode(s.Code()); ok {
			return status.Wrap(status.LedgerStatus, code, err, msg)
		}
	}
	return status.Wrap(status.LedgerStatus, fallback, err, msg)
}

func transportCode(c codes.Code) (status.Code, bool) {
	switch c {
	case codes.DeadlineExceeded:
		return status.NetworkTimeout, true
	case codes.Unavailable, codes.Canceled, codes.Aborted:
		return status.Unavailable, true
	default:
		return 0, false
	}
}
