package server

import (
	"crypto/tls"

	"github.com/victorgomez09/inkwell/internal/config"
)

// TLSMinVersion is the lowest protocol version the listener accepts.
const TLSMinVersion = tls.VersionTLS12

// InkwellCiphers are the TLS 1.2 suites offered. TLS 1.3 suites are not
// configurable and always enabled.
var InkwellCiphers = []uint16{
	// ECDSA ciphers
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,

	// RSA ciphers
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

func tlsConfig(cfg config.TLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:             TLSMinVersion,
		CipherSuites:           InkwellCiphers,
		Certificates:           []tls.Certificate{cert},
		SessionTicketsDisabled: cfg.SessionTicketsDisabled,
	}, nil
}
