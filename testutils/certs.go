package testutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path"
	"time"
)

type keyPair struct {
	cert    *x509.Certificate
	key     ed25519.PrivateKey
	certPem []byte
	keyPem  []byte
}

// Paths of the certificates generated for a test cluster
type CertPaths struct {
	CaCert     string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
	//Certificate authority that did not sign anything the cluster trusts
	OtherCaCert string
}

func issue(template *x509.Certificate, parent *keyPair) (*keyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template.SerialNumber = serial
	template.NotBefore = time.Now().UTC().Add(-1 * time.Hour)
	template.NotAfter = time.Now().UTC().Add(24 * time.Hour)

	signer := &keyPair{cert: template, key: priv}
	if parent != nil {
		signer = parent
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signer.cert, pub, signer.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &keyPair{
		cert:    cert,
		key:     priv,
		certPem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPem:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
	}, nil
}

func generateCa(name string) (*keyPair, error) {
	return issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: name},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}, nil)
}

func writePem(dir string, name string, content []byte) (string, error) {
	fPath := path.Join(dir, name)
	err := os.WriteFile(fPath, content, 0600)
	return fPath, err
}

/*
Generates a certificate authority, a server certificate valid for the loopback addresses of the test cluster members
and a client certificate, writes them to the given directory and returns the server side tls configuration.
The server requires and verifies client certificates when they are presented.
*/
func GenerateCerts(dir string) (CertPaths, *tls.Config, error) {
	paths := CertPaths{}

	ca, err := generateCa("etcd-test-ca")
	if err != nil {
		return paths, nil, err
	}
	otherCa, err := generateCa("etcd-other-ca")
	if err != nil {
		return paths, nil, err
	}

	server, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "etcd-server"},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{
			net.ParseIP("127.0.0.1"),
			net.ParseIP("127.0.0.2"),
			net.ParseIP("127.0.0.3"),
			net.ParseIP("127.0.0.4"),
			net.ParseIP("127.0.0.5"),
		},
	}, ca)
	if err != nil {
		return paths, nil, err
	}

	client, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "root"},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}, ca)
	if err != nil {
		return paths, nil, err
	}

	files := []struct {
		target  *string
		name    string
		content []byte
	}{
		{&paths.CaCert, "ca.crt", ca.certPem},
		{&paths.OtherCaCert, "other-ca.crt", otherCa.certPem},
		{&paths.ServerCert, "server.crt", server.certPem},
		{&paths.ServerKey, "server.key", server.keyPem},
		{&paths.ClientCert, "client.crt", client.certPem},
		{&paths.ClientKey, "client.key", client.keyPem},
	}
	for _, file := range files {
		fPath, writeErr := writePem(dir, file.name, file.content)
		if writeErr != nil {
			return paths, nil, writeErr
		}
		*file.target = fPath
	}

	serverPair, err := tls.X509KeyPair(server.certPem, server.keyPem)
	if err != nil {
		return paths, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)

	return paths, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverPair},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}, nil
}
