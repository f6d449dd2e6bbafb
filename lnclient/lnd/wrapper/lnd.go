package wrapper

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

type LNDoptions struct {
	Address      string
	CertFile     string
	MacaroonFile string
}

// LNDWrapper holds the gRPC connection and the generated client stubs.
type LNDWrapper struct {
	conn   *grpc.ClientConn
	Client lnrpc.LightningClient
}

func NewLNDclient(opts LNDoptions) (*LNDWrapper, error) {
	if opts.Address == "" || opts.MacaroonFile == "" {
		return nil, errors.New("one or more required LND configuration are missing")
	}

	var creds credentials.TransportCredentials
	if opts.CertFile != "" {
		certBytes, err := os.ReadFile(opts.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read LND cert file: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(certBytes) {
			return nil, errors.New("failed to parse LND TLS certificate")
		}
		creds = credentials.NewClientTLSFromCert(certPool, "")
	} else {
		// no pinned certificate, verify against the system pool
		creds = credentials.NewClientTLSFromCert(nil, "")
	}

	macBytes, err := os.ReadFile(opts.MacaroonFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read LND macaroon file: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to parse LND macaroon: %w", err)
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to build macaroon credential: %w", err)
	}

	conn, err := grpc.NewClient(
		opts.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial LND at %s: %w", opts.Address, err)
	}

	return &LNDWrapper{
		conn:   conn,
		Client: lnrpc.NewLightningClient(conn),
	}, nil
}

func (wrapper *LNDWrapper) Close() error {
	return wrapper.conn.Close()
}
