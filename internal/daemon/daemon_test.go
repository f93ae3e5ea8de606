package daemon

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/bramford/albatross/internal/engine"
	"github.com/bramford/albatross/internal/wire"
)

func newTestDaemon() *Daemon {
	return &Daemon{sessConns: map[uint64]net.Conn{}}
}

func readAll(r net.Conn, n int) ([]byte, error) {
	r.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func TestApplyOutputsWritesToRegisteredSession(t *testing.T) {
	d := newTestDaemon()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	d.registerSession(1, server)

	done := make(chan []byte, 1)
	go func() {
		buf, err := readAll(client, 5)
		if err != nil {
			t.Error(err)
		}
		done <- buf
	}()

	selfClosed := d.applyOutputs([]engine.Output{{Target: engine.TargetSession, SessionID: 1, Frame: []byte("hello")}}, 1)
	if selfClosed {
		t.Fatal("expected selfClosed=false, no Close output was sent")
	}

	if got := <-done; string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestApplyOutputsCloseMarksSelfClosed(t *testing.T) {
	d := newTestDaemon()
	server, client := net.Pipe()
	defer client.Close()

	d.registerSession(1, server)

	selfClosed := d.applyOutputs([]engine.Output{{Target: engine.TargetSession, SessionID: 1, Close: true}}, 1)
	if !selfClosed {
		t.Fatal("expected selfClosed=true for a Close output addressed to selfID")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after server side closed, got %v", err)
	}
}

func TestApplyOutputsCloseOfOtherSessionIsNotSelfClosed(t *testing.T) {
	d := newTestDaemon()
	server, client := net.Pipe()
	defer client.Close()

	d.registerSession(2, server)

	selfClosed := d.applyOutputs([]engine.Output{{Target: engine.TargetSession, SessionID: 2, Close: true}}, 1)
	if selfClosed {
		t.Fatal("a Close output addressed to a different session must not report selfClosed")
	}
}

func TestApplyOutputsIgnoresUnregisteredSession(t *testing.T) {
	d := newTestDaemon()

	selfClosed := d.applyOutputs([]engine.Output{{Target: engine.TargetSession, SessionID: 999, Frame: []byte("x")}}, 1)
	if selfClosed {
		t.Fatal("unregistered session should never report selfClosed")
	}
}

func TestApplyOutputsRoutesToConsoleAndStatsHelpers(t *testing.T) {
	d := newTestDaemon()

	consServer, consClient := net.Pipe()
	defer consServer.Close()
	defer consClient.Close()
	statServer, statClient := net.Pipe()
	defer statServer.Close()
	defer statClient.Close()

	d.consConn = consServer
	d.statConn = statServer

	consDone := make(chan []byte, 1)
	statDone := make(chan []byte, 1)
	go func() {
		buf, err := readAll(consClient, 4)
		if err != nil {
			t.Error(err)
		}
		consDone <- buf
	}()
	go func() {
		buf, err := readAll(statClient, 4)
		if err != nil {
			t.Error(err)
		}
		statDone <- buf
	}()

	d.applyOutputs([]engine.Output{
		{Target: engine.TargetConsole, Frame: []byte("cons")},
		{Target: engine.TargetStats, Frame: []byte("stat")},
	}, 0)

	if got := <-consDone; string(got) != "cons" {
		t.Fatalf("console got %q", got)
	}
	if got := <-statDone; string(got) != "stat" {
		t.Fatalf("stats got %q", got)
	}
}

func TestApplyOutputsSkipsStatsWhenHelperAbsent(t *testing.T) {
	d := newTestDaemon()
	d.statConn = nil

	// Must not panic when the stats helper was never connected
	// (its absence demotes statistics, it never crashes the daemon).
	d.applyOutputs([]engine.Output{{Target: engine.TargetStats, Frame: []byte("stat")}}, 0)
}

func TestApplyOutputsKillOfNonexistentPidDoesNotPanic(t *testing.T) {
	d := newTestDaemon()

	d.applyOutputs([]engine.Output{{Target: engine.TargetKill, Pid: 999999}}, 0)
}

// makeCert builds a CA certificate named cn with the given serial,
// self-signed when parent is nil, otherwise signed by parent.
func makeCert(t *testing.T, cn string, serial int64, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	parentTmpl := tmpl
	signer := key
	if parent != nil {
		parentTmpl = parent
		signer = parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentTmpl, &key.PublicKey, signer)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func TestVerifyPeerCertificateRejectsRevokedIntermediate(t *testing.T) {
	state := engine.NewState(t.TempDir(), wire.ProtocolVersion)
	state.CRLs["tenant"] = engine.CRLEntry{Serial: 1, Revoked: map[string]bool{"2": true}}
	eng := engine.New(state)
	defer eng.Stop()

	d := newTestDaemon()
	d.eng = eng

	root, rootKey := makeCert(t, "root", 1, nil, nil)
	tenant, tenantKey := makeCert(t, "tenant", 2, root, rootKey)
	leaf, _ := makeCert(t, "vm1", 3, tenant, tenantKey)

	chain := []*x509.Certificate{leaf, tenant, root}
	if err := d.verifyPeerCertificate(nil, [][]*x509.Certificate{chain}); err == nil {
		t.Fatal("expected a chain through revoked intermediate tenant to be rejected")
	}

	other, otherKey := makeCert(t, "other", 4, root, rootKey)
	leaf2, _ := makeCert(t, "vm2", 5, other, otherKey)
	chain2 := []*x509.Certificate{leaf2, other, root}
	if err := d.verifyPeerCertificate(nil, [][]*x509.Certificate{chain2}); err != nil {
		t.Fatalf("unrevoked chain rejected: %v", err)
	}
}

func TestSessionRegistryRoundTrip(t *testing.T) {
	d := newTestDaemon()
	server, _ := net.Pipe()
	defer server.Close()

	d.registerSession(7, server)
	if _, ok := d.sessionConn(7); !ok {
		t.Fatal("expected session 7 to be registered")
	}

	d.unregisterSession(7)
	if _, ok := d.sessionConn(7); ok {
		t.Fatal("expected session 7 to be gone after unregister")
	}
}
