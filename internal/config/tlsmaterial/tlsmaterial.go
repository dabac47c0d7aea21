// Copyright (c) 2025 Justin Cranford

// Package tlsmaterial loads the key material the rotation client needs to
// talk to the issuing server: the mTLS client identity (cert.ClientCert/
// ClientKey, PEM files only) and the server's pinned public key, which may be
// read out of a PKCS#7 degenerate certificate bundle (the common packaging
// for a single certificate or chain shipped as one file). PKCS#7 is not
// accepted for the client certificate.
package tlsmaterial

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"go.mozilla.org/pkcs7"

	"license-agent/internal/apperr"
)

// LoadClientIdentity reads a PEM certificate and private key for mTLS,
// matching crypto/tls's expected pairing.
func LoadClientIdentity(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, apperr.NewConfigError("failed to load mTLS client identity", err)
	}
	return cert, nil
}

// LoadServerPublicKey reads the issuing server's certificate bundle at path
// and extracts the leaf certificate's RSA public key, used to verify
// RSA-PSS signatures on rotate-secret responses (spec.md §4.4). The bundle
// may be a PEM-wrapped PKCS#7 degenerate certs-only blob or a raw DER PKCS#7
// blob; a bare PEM certificate is also accepted for operator convenience.
func LoadServerPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewConfigError("failed to read server certificate bundle", err)
	}

	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}

	var leaf *x509.Certificate
	if cert, err := x509.ParseCertificate(der); err == nil {
		leaf = cert
	} else {
		p7, err := pkcs7.Parse(der)
		if err != nil {
			return nil, apperr.NewConfigError("failed to parse server certificate bundle as PKCS#7 or X.509", err)
		}
		if len(p7.Certificates) == 0 {
			return nil, apperr.NewConfigError("server certificate bundle contains no certificates", nil)
		}
		leaf = p7.Certificates[0]
	}

	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, apperr.NewConfigError("server certificate does not carry an RSA public key", nil)
	}
	return pub, nil
}
