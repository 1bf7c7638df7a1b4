// Package ldaptest runs a minimal in-process LDAP server for tests. It
// understands simple bind, the StartTLS extended operation and unbind.
package ldaptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// LDAP protocol constants used by the server.
const (
	appBindRequest      ber.Tag = 0
	appBindResponse     ber.Tag = 1
	appUnbindRequest    ber.Tag = 2
	appExtendedRequest  ber.Tag = 23
	appExtendedResponse ber.Tag = 24

	oidStartTLS = "1.3.6.1.4.1.1466.20037"

	ResultSuccess            = 0
	ResultProtocolError      = 2
	ResultInvalidCredentials = 49
	ResultUnavailable        = 52
)

type Server struct {
	// Users maps bind DN to password.
	Users map[string]string
	// BindDelay is slept before every bind response.
	BindDelay time.Duration
	// RejectStartTLS answers the StartTLS request with protocolError.
	RejectStartTLS bool

	ln      net.Listener
	tlsConf *tls.Config
	pool    *x509.CertPool
	secure  bool

	binds atomic.Int64
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer starts a plaintext server that accepts StartTLS.
func NewServer(tb testing.TB, users map[string]string) *Server {
	return start(tb, users, false)
}

// NewTLSServer starts an implicit-TLS (ldaps) server.
func NewTLSServer(tb testing.TB, users map[string]string) *Server {
	return start(tb, users, true)
}

func start(tb testing.TB, users map[string]string, secure bool) *Server {
	tb.Helper()
	cert, pool := selfSigned(tb)
	s := &Server{
		Users:   users,
		tlsConf: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		pool:    pool,
		secure:  secure,
		conns:   make(map[net.Conn]struct{}),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("ldaptest: listen: %v", err)
	}
	if secure {
		ln = tls.NewListener(ln, s.tlsConf)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// URL is ldap://127.0.0.1:port or ldaps://127.0.0.1:port.
func (s *Server) URL() string {
	if s.secure {
		return "ldaps://" + s.ln.Addr().String()
	}
	return "ldap://" + s.ln.Addr().String()
}

// ClientTLS trusts the server certificate, which is valid for 127.0.0.1.
func (s *Server) ClientTLS() *tls.Config {
	return &tls.Config{RootCAs: s.pool, MinVersion: tls.VersionTLS12}
}

// Binds counts bind requests received.
func (s *Server) Binds() int64 { return s.binds.Load() }

// Close stops the listener, drops open connections and waits for handlers.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
			}()
			s.handle(c)
		}()
	}
}

func (s *Server) handle(c net.Conn) {
	defer func() { c.Close() }()
	for {
		pkt, err := ber.ReadPacket(c)
		if err != nil {
			return
		}
		if len(pkt.Children) < 2 {
			return
		}
		msgID, ok := pkt.Children[0].Value.(int64)
		if !ok {
			return
		}
		op := pkt.Children[1]
		switch op.Tag {
		case appBindRequest:
			s.binds.Add(1)
			if s.BindDelay > 0 {
				time.Sleep(s.BindDelay)
			}
			code, diag := s.checkBind(op)
			if writeResult(c, msgID, appBindResponse, code, diag) != nil {
				return
			}
		case appExtendedRequest:
			if len(op.Children) == 0 || op.Children[0].Data.String() != oidStartTLS {
				_ = writeResult(c, msgID, appExtendedResponse, ResultProtocolError, "unsupported extended operation")
				continue
			}
			if s.secure || s.RejectStartTLS {
				_ = writeResult(c, msgID, appExtendedResponse, ResultProtocolError, "StartTLS not available")
				continue
			}
			if writeResult(c, msgID, appExtendedResponse, ResultSuccess, "") != nil {
				return
			}
			tc := tls.Server(c, s.tlsConf)
			if err := tc.Handshake(); err != nil {
				return
			}
			c = tc
		case appUnbindRequest:
			return
		default:
			return
		}
	}
}

func (s *Server) checkBind(op *ber.Packet) (int64, string) {
	if len(op.Children) < 3 {
		return ResultProtocolError, "malformed bind request"
	}
	dn, _ := op.Children[1].Value.(string)
	password := op.Children[2].Data.String()
	want, ok := s.Users[dn]
	if !ok || want != password {
		return ResultInvalidCredentials, "invalid credentials"
	}
	return ResultSuccess, ""
}

func writeResult(c net.Conn, msgID int64, tag ber.Tag, code int64, diag string) error {
	p := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, msgID, "MessageID"))
	r := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Result")
	r.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, code, "resultCode"))
	r.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	r.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diag, "diagnosticMessage"))
	p.AppendChild(r)
	_, err := c.Write(p.Bytes())
	return err
}

func selfSigned(tb testing.TB) (tls.Certificate, *x509.CertPool) {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("ldaptest: generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ldaptest"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		tb.Fatalf("ldaptest: create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("ldaptest: parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}
