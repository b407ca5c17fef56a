/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package acdp is the Agent Credential Delegation Protocol core: a
// credential-issuance, verification and presentation subsystem binding a
// human principal to an autonomous agent via short-lived, cryptographically
// rate-limited, optionally unlinkable credentials.
//
// Packages for end developer usage:
//
// pkg/gateway: The issuance service. Validates ID-JAG tokens, runs the
// blinded ARC issuance flow and signs credentials with the issuer key.
//
// pkg/verification: The verification orchestrator, composing signature,
// proof, rate-limit, delegation and lifetime checks.
//
// pkg/delegation: The delegation engine: capability reduction, chain signing
// and child-credential issuance.
//
// pkg/doc/credential: The ACDP credential model and its three variants.
//
// pkg/crypto/primitive/arc: Anonymous Rate-Limited Credentials over P-256
// (CMZ14 MACGGM algebraic MACs with Fiat-Shamir presentations).
//
// pkg/controller/rest/acdp: The REST surface over the issuance, verification,
// delegation and revocation contracts.
package acdp
