// Package tlsutil provides the hardened TLS configuration used by the
// costguard control surface when serving HTTPS.
// TLS 1.2+, AEAD cipher suites only.
package tlsutil

import "crypto/tls"

// ServerConfig returns the TLS configuration applied to the HTTPS
// control surface. MinVersion TLS 1.2, AEAD-only cipher suites.
func ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}
