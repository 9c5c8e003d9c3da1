package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

/*
Paths to the certificate material used to secure the connection.
An empty CaCertPath means the connection is made in plaintext.
ClientCertPath and ClientKeyPath are optional and only needed when the store authenticates clients with certificates.
*/
type TlsOptions struct {
	CaCertPath     string
	ClientCertPath string
	ClientKeyPath  string
	//Overrides the server name used to verify the server certificate. Defaults to the endpoint host.
	ServerName string
}

func (opts TlsOptions) Enabled() bool {
	return opts.CaCertPath != ""
}

/*
Builds a tls configuration from the certificate files.
Returns a nil configuration when tls is not enabled.
The files are only read, never written.
*/
func LoadTlsConfig(opts TlsOptions) (*tls.Config, error) {
	if !opts.Enabled() {
		if opts.ClientCertPath != "" || opts.ClientKeyPath != "" {
			return nil, fmt.Errorf("%w: client certificate given without a ca certificate", ErrTls)
		}
		return nil, nil
	}

	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: opts.ServerName,
	}

	//Client credentials
	if opts.ClientCertPath != "" || opts.ClientKeyPath != "" {
		certData, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load client credentials: %w", ErrTls, err)
		}
		tlsConf.Certificates = []tls.Certificate{certData}
	}

	//CA cert
	caCertContent, err := os.ReadFile(opts.CaCertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read root certificate file: %w", ErrTls, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caCertContent) {
		return nil, fmt.Errorf("%w: failed to parse root certificate authority", ErrTls)
	}
	tlsConf.RootCAs = roots

	return tlsConf, nil
}
