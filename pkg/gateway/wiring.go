/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"github.com/hyperledger/acdp-framework-go/pkg/delegation"
	"github.com/hyperledger/acdp-framework-go/pkg/verification"
)

// Delegation returns a delegation engine bound to this gateway's keys and
// store.
func (g *Gateway) Delegation() *delegation.Engine {
	return delegation.NewEngine(g.store, g.signPub, g.signPriv, g.arcKey, g.now)
}

// Verifier returns a verification orchestrator bound to this gateway's keys
// and store.
func (g *Gateway) Verifier(opts ...verification.Option) *verification.Verifier {
	opts = append([]verification.Option{verification.WithClock(g.now)}, opts...)

	return verification.New(g.store, g.signPub, g.arcKey, opts...)
}
