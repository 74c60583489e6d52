package signature

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// ParseCertificates accepts PEM data holding one or more CERTIFICATE blocks,
// or a single raw DER certificate, and returns the DER bytes of each.
func ParseCertificates(data []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrNoCertificates
	}

	if !bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		if _, err := x509.ParseCertificate(data); err != nil {
			return nil, fmt.Errorf("signature: invalid DER certificate: %w", err)
		}
		return [][]byte{data}, nil
	}

	data = trimmed
	var certs [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, fmt.Errorf("signature: invalid certificate block %d: %w", len(certs), err)
		}
		certs = append(certs, block.Bytes)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}

// LoadCertificateFile reads signing certificates from a PEM or DER file.
func LoadCertificateFile(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signature: read certificate: %w", err)
	}
	return ParseCertificates(data)
}

// File is a CertificateSource that reads a certificate file on every call.
type File string

// SigningCertificates loads the file.
func (f File) SigningCertificates(context.Context) ([][]byte, error) {
	return LoadCertificateFile(string(f))
}
