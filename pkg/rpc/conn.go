package rpc

import (
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// callOptions selects the JSON codec registered in codec.go for every call
// made on a connection built by Dial.
func callOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(codecName)}
}

// Dial opens a connection to a worker or coordinator endpoint. tlsConfig may
// be nil for plaintext (tests, local development); a non-nil tlsConfig is
// used as the connection's TLS credentials.
func Dial(target string, tlsConfig *tls.Config) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(callOptions()...),
	)
}

// NewServer builds a grpc.Server with the JSON codec wired via call options
// defaults and TLS credentials if provided.
func NewServer(tlsConfig *tls.Config, extra ...grpc.ServerOption) *grpc.Server {
	opts := extra
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	return grpc.NewServer(opts...)
}
