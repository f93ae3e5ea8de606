// Package daemon is the accept loop and helper-socket plumbing: it
// owns the TLS listener and the three Unix helper connections,
// translates engine.Output values into actual socket
// writes and pid signals, and is the only package besides cmd/albatrossd
// allowed to perform blocking I/O against a *tls.Conn, a helper socket,
// or a child process — internal/engine itself never touches a
// transport.
package daemon

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/net/netutil"

	"github.com/bramford/albatross/internal/engine"
	log "github.com/bramford/albatross/internal/minilog"
	"github.com/bramford/albatross/internal/transport"
	"github.com/bramford/albatross/internal/wire"
)

const (
	consoleSocketName = "cons.sock"
	logSocketName     = "log.sock"
	statsSocketName   = "stat.sock"

	defaultListenAddr  = ":1025"
	defaultMaxSessions = 256
)

// Config is everything New needs to bring a Daemon up: TLS material,
// the working directory holding the three helper sockets, and the
// listener's sizing.
type Config struct {
	WorkingDir  string
	ListenAddr  string // defaults to defaultListenAddr
	ServerCert  tls.Certificate
	ClientCAs   *x509.CertPool
	MaxSessions int // defaults to defaultMaxSessions
}

// Daemon binds cfg.ListenAddr, connects the helper sockets under
// cfg.WorkingDir, and drives eng via the accept loop and three
// background feeders.
type Daemon struct {
	cfg     Config
	eng     *engine.Engine
	spawner engine.Spawner

	consConn net.Conn
	logConn  net.Conn
	statConn net.Conn // nil when the stats helper is unavailable

	sessMu    sync.Mutex
	sessConns map[uint64]net.Conn
}

// New constructs a Daemon. Call ConnectHelpers then Serve to bring it up.
// The engine's State should already carry its AddressObserver (an
// internal/bridge.Watcher per delegated external bridge, if any), set
// before eng was started — the daemon loop never touches it directly.
func New(cfg Config, eng *engine.Engine, spawner engine.Spawner) *Daemon {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	return &Daemon{
		cfg:       cfg,
		eng:       eng,
		spawner:   spawner,
		sessConns: map[uint64]net.Conn{},
	}
}

// ConnectHelpers dials the three Unix sockets in the working
// directory: console and log are required (dial failure is fatal),
// stats is optional (ENOENT yields no stats, not a fatal error).
func (d *Daemon) ConnectHelpers() error {
	cons, err := net.Dial("unix", filepath.Join(d.cfg.WorkingDir, consoleSocketName))
	if err != nil {
		return fmt.Errorf("daemon: console socket required: %w", err)
	}
	d.consConn = cons

	lg, err := net.Dial("unix", filepath.Join(d.cfg.WorkingDir, logSocketName))
	if err != nil {
		return fmt.Errorf("daemon: log socket required: %w", err)
	}
	d.logConn = lg

	statPath := filepath.Join(d.cfg.WorkingDir, statsSocketName)
	stat, err := net.Dial("unix", statPath)
	switch {
	case err == nil:
		d.statConn = stat
	case errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT):
		log.Info("daemon: stats socket %s absent, statistics unavailable", statPath)
		d.eng.SetStatsAvailable(false)
	default:
		return fmt.Errorf("daemon: stats socket: %w", err)
	}

	return nil
}

// Serve binds the mutual-TLS listener and runs the accept loop and the
// helper feeders until ln is closed. It does not return on success.
func (d *Daemon) Serve() error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return err
	}
	limited := netutil.LimitListener(ln, d.cfg.MaxSessions)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{d.cfg.ServerCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    d.cfg.ClientCAs,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		// Go's server-side TLS stack has no renegotiation support
		// (removed deliberately upstream), so a long-lived session's
		// chain cannot be re-checked mid-connection. Verification
		// still never happens against a cached CRL snapshot:
		// VerifyPeerCertificate below is invoked by the standard
		// library at handshake time and reads engine state live, not
		// a copy taken when this Config was built.
		VerifyPeerCertificate: d.verifyPeerCertificate,
	}

	tlsLn := tls.NewListener(limited, tlsConfig)
	defer tlsLn.Close()

	go d.runFeeder(d.consConn, true)
	go d.runFeeder(d.logConn, true)
	if d.statConn != nil {
		go d.runFeeder(d.statConn, false)
	}

	for {
		conn, err := tlsLn.Accept()
		if err != nil {
			log.Error("daemon: accept: %v", err)
			continue
		}
		// Go's net package sets close-on-exec on every socket it
		// creates, accepted connections included, so no extra
		// syscalls are needed before handing conn to a goroutine.
		go d.handleSession(conn.(*tls.Conn))
	}
}

// verifyPeerCertificate rejects any chain that passes through a
// revoked certificate. The revocation store is keyed by the revoked
// certificate's own subject CN with its own serial listed — the same
// convention the engine's install-time mass revocation matches on — so
// each chain cert is checked by its subject, not its issuer.
func (d *Daemon) verifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 {
		return errors.New("daemon: no verified chain")
	}
	for _, cert := range verifiedChains[0] {
		if d.eng.IsRevoked(cert.Subject.CommonName, cert.SerialNumber) {
			return fmt.Errorf("daemon: certificate %s is revoked", cert.Subject.CommonName)
		}
	}
	return nil
}

func (d *Daemon) registerSession(id uint64, conn net.Conn) {
	d.sessMu.Lock()
	d.sessConns[id] = conn
	d.sessMu.Unlock()
}

func (d *Daemon) unregisterSession(id uint64) {
	d.sessMu.Lock()
	delete(d.sessConns, id)
	d.sessMu.Unlock()
}

func (d *Daemon) sessionConn(id uint64) (net.Conn, bool) {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	c, ok := d.sessConns[id]
	return c, ok
}

// handleSession drives one accepted TLS connection end to end: the
// handshake's resulting chain feeds the engine's initial classifier,
// and on plain Loop admission the connection becomes a command loop until
// it errors, is told to close, or the peer disconnects.
func (d *Daemon) handleSession(conn *tls.Conn) {
	addr := conn.RemoteAddr().String()
	sess := d.eng.NewSession(addr)

	d.registerSession(sess.ID, conn)
	defer func() {
		d.unregisterSession(sess.ID)
		d.eng.HandleDisconnect(sess)
		conn.Close()
	}()

	if err := conn.Handshake(); err != nil {
		log.Debug("daemon: handshake from %s: %v", addr, err)
		return
	}

	chain := conn.ConnectionState().VerifiedChains[0]
	outputs, job, err := d.eng.HandleInitial(sess, chain)
	selfClosed := d.applyOutputs(outputs, sess.ID)
	if err != nil {
		log.Warn("daemon: initial classification from %s: %v", addr, err)
		// Cryptographic failures close silently; policy and conflict
		// failures are reported to the peer before the close.
		if !errors.Is(err, engine.ErrCryptographic) {
			if frame, encErr := wire.Fail(wire.ProtocolVersion, 0, wire.TagCreate, err.Error()); encErr == nil {
				transport.WriteRaw(conn, frame)
			}
		}
		return
	}

	if job != nil {
		d.runSpawnContinuation(job)
		return
	}
	if selfClosed {
		return
	}

	for {
		header, body, err := transport.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, transport.ErrEOF) {
				log.Debug("daemon: session %s read: %v", addr, err)
			}
			return
		}

		outs, cmdErr := d.eng.HandleCommand(sess, header, body)
		closed := d.applyOutputs(outs, sess.ID)
		if cmdErr != nil {
			if frame, encErr := wire.Fail(wire.ProtocolVersion, 0, header.Tag, cmdErr.Error()); encErr == nil {
				transport.WriteRaw(conn, frame)
			}
			log.Warn("daemon: session %s command %v: %v", addr, header.Tag, cmdErr)
			return
		}
		if closed {
			return
		}
	}
}

// applyOutputs routes every Output to its destination and reports
// whether selfID's own connection was told to close.
func (d *Daemon) applyOutputs(outputs []engine.Output, selfID uint64) bool {
	selfClosed := false
	for _, o := range outputs {
		switch o.Target {
		case engine.TargetSession:
			conn, ok := d.sessionConn(o.SessionID)
			if !ok {
				continue
			}
			if len(o.Frame) > 0 {
				if err := transport.WriteRaw(conn, o.Frame); err != nil {
					log.Debug("daemon: write to session %d: %v", o.SessionID, err)
				}
			}
			if o.Close {
				conn.Close()
				if o.SessionID == selfID {
					selfClosed = true
				}
			}
		case engine.TargetConsole:
			d.writeHelper(d.consConn, o.Frame, "console")
		case engine.TargetLog:
			d.writeHelper(d.logConn, o.Frame, "log")
		case engine.TargetStats:
			if d.statConn != nil {
				d.writeHelper(d.statConn, o.Frame, "stats")
			}
		case engine.TargetKill:
			if err := syscall.Kill(o.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
				log.Warn("daemon: kill pid %d: %v", o.Pid, err)
			}
		}
	}
	return selfClosed
}

func (d *Daemon) writeHelper(conn net.Conn, frame []byte, name string) {
	if len(frame) == 0 {
		return
	}
	if err := transport.WriteRaw(conn, frame); err != nil {
		log.Error("daemon: write to %s helper: %v", name, err)
	}
}
