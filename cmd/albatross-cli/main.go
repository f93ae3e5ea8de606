// albatross-cli is the interactive administrative client for the
// daemon's command surface (info, destroy, console, log, statistics,
// crl). It dials the daemon as a TLS client, admitted into Loop mode
// by a plain identity certificate, and offers a liner-backed shell.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterh/liner"

	log "github.com/bramford/albatross/internal/minilog"
	"github.com/bramford/albatross/internal/transport"
	"github.com/bramford/albatross/internal/wire"
)

var (
	f_addr   = flag.String("addr", "localhost:1025", "daemon address")
	f_cacert = flag.String("cacert", "", "CA certificate path")
	f_cert   = flag.String("cert", "", "client certificate path")
	f_key    = flag.String("key", "", "client key path")
)

func usage() {
	fmt.Println("usage: albatross-cli -cacert <path> -cert <path> -key <path> [-addr host:port]")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.Init()

	if *f_cacert == "" || *f_cert == "" || *f_key == "" {
		usage()
		os.Exit(1)
	}

	cert, err := tls.LoadX509KeyPair(*f_cert, *f_key)
	if err != nil {
		log.Fatal("loading client cert: %v", err)
	}
	caPEM, err := os.ReadFile(*f_cacert)
	if err != nil {
		log.Fatal("reading cacert: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		log.Fatal("cacert: failed to parse")
	}

	conn, err := tls.Dial("tcp", *f_addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
	})
	if err != nil {
		log.Fatal("dial %s: %v", *f_addr, err)
	}
	defer conn.Close()

	sess := newSession(conn)
	go sess.readLoop()

	attach(sess)
}

// reply is one fully-read frame handed to whichever caller is waiting
// on its request id.
type reply struct {
	header wire.Header
	body   []byte
}

// idOnly decodes the ID field common to every command/reply body
// without needing to know the rest of its shape; gob matches by field
// name, so this works against any of them.
type idOnly struct {
	ID uint32
}

// session multiplexes one TLS connection between the interactive
// loop's request/reply round trips and the asynchronous console/log/
// stats events the wire protocol's event space carries.
type session struct {
	conn   *tls.Conn
	nextID uint32

	writeMu sync.Mutex

	mu     sync.Mutex
	waiter map[uint32]chan reply
}

func newSession(conn *tls.Conn) *session {
	return &session{conn: conn, waiter: map[uint32]chan reply{}}
}

// readLoop is the one goroutine that ever reads conn: it classifies
// every incoming frame as either a reply to a pending request (routed
// by ID) or an unsolicited event (printed directly).
func (s *session) readLoop() {
	for {
		header, body, err := transport.ReadFrame(s.conn)
		if err != nil {
			fmt.Println("\nconnection closed:", err)
			os.Exit(0)
		}

		switch header.Tag {
		case wire.TagSuccess, wire.TagFailure:
			var id idOnly
			wire.DecodeBody(body, &id)
			s.mu.Lock()
			ch, ok := s.waiter[id.ID]
			s.mu.Unlock()
			if ok {
				ch <- reply{header: header, body: body}
			}

		case wire.TagEventConsoleLine:
			var ev wire.ConsoleLineEvent
			if wire.DecodeBody(body, &ev) == nil {
				fmt.Printf("[%s console] %s\n", ev.Vm, ev.Data)
			}

		case wire.TagEventLogLine:
			var ev wire.LogLineEvent
			if wire.DecodeBody(body, &ev) == nil {
				fmt.Printf("[%s log] %s\n", ev.Vm, ev.Data)
			}

		case wire.TagEventStatsSample:
			var s2 wire.StatsSample
			if wire.DecodeBody(body, &s2) == nil {
				fmt.Printf("[%s stats] pid=%d cpu_ms=%d rss=%d\n", s2.Vm, s2.Pid, s2.CPUTimeMs, s2.RSSBytes)
			}
		}
	}
}

// roundTrip sends tag/payload, whose ID field must equal id, and
// blocks for the reply carrying that same id, or a timeout.
func (s *session) roundTrip(id uint32, tag wire.Tag, payload interface{}) (wire.Header, []byte, error) {
	ch := make(chan reply, 1)
	s.mu.Lock()
	s.waiter[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiter, id)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err := transport.WriteMessage(s.conn, wire.ProtocolVersion, tag, payload)
	s.writeMu.Unlock()
	if err != nil {
		return wire.Header{}, nil, err
	}

	select {
	case r := <-ch:
		return r.header, r.body, nil
	case <-time.After(10 * time.Second):
		return wire.Header{}, nil, fmt.Errorf("timed out waiting for reply")
	}
}

// attach runs the liner-backed REPL until EOF or the connection dies.
func attach(sess *session) {
	fmt.Println("connected; type 'help' for commands, ^d to exit")

	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	for {
		line, err := input.Prompt("albatross$ ")
		if err == liner.ErrPromptAborted {
			continue
		} else if err == io.EOF {
			return
		} else if err != nil {
			log.Error("prompt: %v", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if err := dispatch(sess, line); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func dispatch(sess *session, line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "quit", "exit":
		os.Exit(0)

	case "info":
		glob := "*"
		if len(args) > 0 {
			glob = args[0]
		}
		id := reqID(sess)
		_, body, err := sess.roundTrip(id, wire.TagInfo, wire.InfoBody{ID: id, Glob: glob})
		if err != nil {
			return err
		}
		var sb wire.SuccessBody
		if err := wire.DecodeBody(body, &sb); err != nil {
			return err
		}
		for _, info := range sb.Infos {
			fmt.Printf("%s\tpid=%d\tcpu=%d\tmem=%d\tstarted=%s\tmac=%s\tip4=%s\tip6=%s\n",
				info.Id, info.Pid, info.CPUID, info.RequestedMemory, info.Started.Format(time.RFC3339),
				info.MAC, info.ObservedIP4, info.ObservedIP6)
		}
		return nil

	case "destroy":
		if len(args) != 1 {
			return fmt.Errorf("usage: destroy <vm>")
		}
		id := reqID(sess)
		return ackOrFail(sess.roundTrip(id, wire.TagDestroy, wire.DestroyBody{ID: id, Vm: args[0]}))

	case "console":
		if len(args) != 1 {
			return fmt.Errorf("usage: console <vm>")
		}
		id := reqID(sess)
		return ackOrFail(sess.roundTrip(id, wire.TagConsole, wire.SubscribeBody{ID: id, Vm: args[0]}))

	case "log":
		if len(args) != 1 {
			return fmt.Errorf("usage: log <vm>")
		}
		id := reqID(sess)
		return ackOrFail(sess.roundTrip(id, wire.TagLog, wire.SubscribeBody{ID: id, Vm: args[0]}))

	case "statistics":
		if len(args) != 1 {
			return fmt.Errorf("usage: statistics <vm>")
		}
		id := reqID(sess)
		header, body, err := sess.roundTrip(id, wire.TagStatistics, wire.StatisticsBody{ID: id, Vm: args[0]})
		if err != nil {
			return err
		}
		if header.Tag == wire.TagFailure {
			return failureError(body)
		}
		var sb wire.SuccessBody
		if err := wire.DecodeBody(body, &sb); err != nil {
			return err
		}
		if sb.Stats != nil {
			fmt.Printf("pid=%d cpu_ms=%d rss=%d sampled=%s\n",
				sb.Stats.Pid, sb.Stats.CPUTimeMs, sb.Stats.RSSBytes, sb.Stats.Sampled.Format(time.RFC3339))
		}
		return nil

	case "crl":
		if len(args) != 1 {
			return fmt.Errorf("usage: crl <issuer>")
		}
		id := reqID(sess)
		header, body, err := sess.roundTrip(id, wire.TagCrl, wire.CrlBody{ID: id, Issuer: args[0]})
		if err != nil {
			return err
		}
		if header.Tag == wire.TagFailure {
			return failureError(body)
		}
		var sb wire.SuccessBody
		if err := wire.DecodeBody(body, &sb); err != nil {
			return err
		}
		fmt.Printf("%d bytes of DER-encoded CRL\n", len(sb.CRL))
		return nil

	case "help":
		fmt.Println("info [glob] | destroy <vm> | console <vm> | log <vm> | statistics <vm> | crl <issuer> | quit")
		return nil

	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return nil
}

// reqID allocates this request's id; kept as its own helper so
// dispatch's call sites read like the wire body literal they build.
func reqID(sess *session) uint32 {
	return atomic.AddUint32(&sess.nextID, 1)
}

func ackOrFail(header wire.Header, body []byte, err error) error {
	if err != nil {
		return err
	}
	if header.Tag == wire.TagFailure {
		return failureError(body)
	}
	fmt.Println("ok")
	return nil
}

func failureError(body []byte) error {
	var fb wire.FailureBody
	if err := wire.DecodeBody(body, &fb); err != nil {
		return fmt.Errorf("unreadable failure reply: %w", err)
	}
	return fmt.Errorf("%s", fb.Message)
}
