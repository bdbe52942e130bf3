/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package fabricgateway lets Divvy organizations read share records from a
// Hyperledger Fabric network without holding Fabric credentials themselves.
//
// Packages
//
// pkg/wallet: Per-organization identity store with filesystem, in-memory,
// LevelDB and Vault backends.
//
// pkg/ca: Fabric CA client. Enrolls identities from locally generated keys and
// registers users on behalf of an enrolled registrar.
//
// pkg/issuer: The admin enrollment and user registration workflows.
//
// pkg/session: Network sessions built on the Fabric SDK, opened as a wallet
// identity with dynamic discovery.
//
// pkg/query: Read-only contract evaluation and multi-endpoint channel
// discovery.
//
// pkg/server: The HTTP gateway (GET /shares/{channel}/{shareKey}, GET /channels).
//
// pkg/gateway: Builds all of the above from one configuration.
//
// Executables
//
//      cmd/gateway   serves the HTTP gateway
//      cmd/identity  enrolladmin <org> | registeruser <org> <user>
//      cmd/query     -o <org> -u <user> -c <channel> -n <contract> -m <method> -a <args>
//
// Basic workflow
//
//      1) Place a connection profile under org-config/<org>/connection-profile.json.
//      2) identity enrolladmin <org>
//      3) identity registeruser <org> appUser
//      4) gateway, then GET /shares/<channel> with the x-divvy-org header set to <org>.
//
package fabricgateway
