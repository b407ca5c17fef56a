/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config holds the gateway configuration. When decoded from a generic map,
// durations accept Go duration strings ("24h"); a bare number is taken as a
// count of nanoseconds, not seconds.
type Config struct {
	// GatewayIssuerURL is the issuer URL credentials are bound to; ID-JAG
	// audiences must match it exactly.
	GatewayIssuerURL string `mapstructure:"gateway_issuer_url"`

	// SigningKey is the hex-encoded 32-byte Ed25519 seed of the issuer
	// signing key. Empty generates an ephemeral key.
	SigningKey string `mapstructure:"signing_key"`

	// PublicKey is the hex-encoded issuer public key. The gateway does not
	// read it; its public key is always derived from SigningKey.
	PublicKey string `mapstructure:"public_key"`

	// IDPBaseURL is the enterprise IdP base URL for JWKS discovery.
	IDPBaseURL string `mapstructure:"idp_base_url"`

	// IDPJWKSRefresh is the JWKS cache lifetime.
	IDPJWKSRefresh time.Duration `mapstructure:"idp_jwks_refresh"`

	// RateLimitWindowDefault applies when an issuance request omits the
	// rate-limit window.
	RateLimitWindowDefault time.Duration `mapstructure:"rate_limit_window_default"`

	// MaxDelegationDepthDefault is the delegation depth granted to every
	// newly issued identity-bound or hybrid credential.
	MaxDelegationDepthDefault int `mapstructure:"max_delegation_depth_default"`

	// PresentationLedgerRetention is the configured retention for consumed
	// ledger entries. The gateway does not read it and prunes nothing itself;
	// ledger entries are removed only by an explicit credstore PruneLedger call.
	PresentationLedgerRetention time.Duration `mapstructure:"presentation_ledger_retention"`

	// BindAddress is the host:port the REST server listens on.
	BindAddress string `mapstructure:"bind_host_port"`
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig() Config {
	return Config{
		IDPJWKSRefresh:              15 * time.Minute,
		RateLimitWindowDefault:      24 * time.Hour,
		MaxDelegationDepthDefault:   3,
		PresentationLedgerRetention: 7 * 24 * time.Hour,
		BindAddress:                 "127.0.0.1:8090",
	}
}

// ConfigFromMap decodes a Config from a generic option map, e.g. a parsed
// JSON or YAML configuration file.
func ConfigFromMap(options map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &cfg,
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, fmt.Errorf("build config decoder: %w", err)
	}

	if err := decoder.Decode(options); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.GatewayIssuerURL == "" {
		return fmt.Errorf("gateway_issuer_url is required")
	}

	if c.RateLimitWindowDefault <= 0 {
		return fmt.Errorf("rate_limit_window_default must be positive")
	}

	if c.MaxDelegationDepthDefault < 0 {
		return fmt.Errorf("max_delegation_depth_default cannot be negative")
	}

	return nil
}
