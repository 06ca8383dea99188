package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
)

// ServerTLSConfig builds the listening side of a mutually authenticated
// TLS binding: the peer must present a certificate signed by clientCAs.
func ServerTLSConfig(cert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig builds the dialing side. serverName is checked against
// the server certificate; pass the host used to dial.
func ClientTLSConfig(cert tls.Certificate, rootCAs *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootCAs,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
}

// Fingerprint is the hex SHA-256 of a certificate's DER bytes.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// PeerFingerprint returns the fingerprint of the peer's leaf certificate,
// or "" for plain connections.
func (c *Conn) PeerFingerprint() string {
	certs := c.PeerCertificates()
	if len(certs) == 0 {
		return ""
	}
	return Fingerprint(certs[0])
}
