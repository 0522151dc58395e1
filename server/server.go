// Package server opens the hub's public listener. With TLS material in the
// config the listener speaks TLS with strict defaults, without it a plain
// TCP listener is returned for use behind a terminating proxy or in tests.
package server

import (
	"net"

	"crypto/tls"

	"github.com/pkg/errors"
	"github.com/theonlypal/collabfs/config"
	"github.com/theonlypal/collabfs/crypto"
)

// Structs

// Server bundles information of one listening hub endpoint.
type Server struct {
	Addr   string
	Socket net.Listener
}

// Functions

// InitServer listens on the address from the supplied config, wrapping the
// socket in TLS when certificate and key locations are configured.
func InitServer(conf *config.Config) (*Server, error) {

	server := &Server{
		Addr: conf.Hub.ListenAddr,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "listening on hub address")
	}

	if conf.Hub.PublicCertLoc == "" && conf.Hub.PublicKeyLoc == "" {
		server.Socket = listener
		return server, nil
	}

	tlsConfig, err := crypto.NewPublicTLSConfig(conf.Hub.PublicCertLoc, conf.Hub.PublicKeyLoc)
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "building public TLS config")
	}

	server.Socket = tls.NewListener(listener, tlsConfig)

	return server, nil
}
