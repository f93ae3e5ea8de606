// albatrossd is the orchestration daemon: it binds a mutual-TLS
// listener, connects the console/log/stats helper sockets, and
// orchestrates UKVM unikernel VMs on behalf of whatever prefix and
// permissions each client's certificate chain projects to.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/terminal"

	"github.com/bramford/albatross/internal/bridge"
	"github.com/bramford/albatross/internal/daemon"
	"github.com/bramford/albatross/internal/engine"
	log "github.com/bramford/albatross/internal/minilog"
	"github.com/bramford/albatross/internal/wire"
)

const banner = `albatrossd, a UKVM orchestration daemon.`

// bridgeNames collects repeated -bridge flags: the set of host
// interfaces backing this daemon's delegated external bridges, which
// internal/bridge passively watches for observed tap addresses.
type bridgeNames []string

func (b *bridgeNames) String() string     { return strings.Join(*b, ",") }
func (b *bridgeNames) Set(v string) error { *b = append(*b, v); return nil }

var f_bridges bridgeNames

func usage() {
	fmt.Println(banner)
	fmt.Println("usage: albatrossd [option]... working-dir cacert cert key")
	flag.PrintDefaults()
}

func main() {
	flag.Var(&f_bridges, "bridge", "host interface to passively watch for observed tap addresses (repeatable)")
	flag.Usage = usage
	flag.Parse()
	log.Init()

	if flag.NArg() != 4 {
		usage()
		os.Exit(1)
	}

	workingDir := flag.Arg(0)
	caPath := flag.Arg(1)
	certPath := flag.Arg(2)
	keyPath := flag.Arg(3)

	fmt.Println(banner)

	clientCAs, err := loadCACert(caPath)
	if err != nil {
		log.Fatal("loading cacert: %v", err)
	}

	serverCert, err := loadServerCert(certPath, keyPath)
	if err != nil {
		log.Fatal("loading server cert/key: %v", err)
	}

	state := engine.NewState(workingDir, wire.ProtocolVersion)
	if len(f_bridges) > 0 {
		watchers, err := bridge.NewSet(f_bridges)
		if err != nil {
			log.Fatal("opening bridge watchers: %v", err)
		}
		state.Observer = watchers
	}
	eng := engine.New(state)

	d := daemon.New(daemon.Config{
		WorkingDir: workingDir,
		ServerCert: serverCert,
		ClientCAs:  clientCAs,
	}, eng, engine.HypervisorSpawner{})

	if err := d.ConnectHelpers(); err != nil {
		log.Fatal("connecting helper sockets: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info("albatrossd: received %v, exiting", sig)
		os.Exit(0)
	}()

	log.Fatal("%v", d.Serve())
}

// loadCACert reads a PEM file that must contain exactly one CA
// certificate.
func loadCACert(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var count int
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("%s: expected exactly one CA certificate, found %d", path, count)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%s: failed to parse CA certificate", path)
	}
	return pool, nil
}

// loadServerCert loads the server's cert/key pair, prompting on the
// terminal for a passphrase if the key is PEM-encrypted.
func loadServerCert(certPath, keyPath string) (tls.Certificate, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("%s: no PEM data found", keyPath)
	}

	if x509.IsEncryptedPEMBlock(block) {
		fmt.Printf("Enter passphrase for %s: ", keyPath)
		passphrase, err := terminal.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return tls.Certificate{}, err
		}

		der, err := x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decrypting %s: %w", keyPath, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
