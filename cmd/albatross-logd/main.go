// albatross-logd is the log relay helper. log.sock is
// unidirectional, helper to engine; unlike the console helper,
// nothing ever writes control messages back to it.
// Its own line source is each running VM's working-directory log
// file (the guest's boot/diagnostic output, written alongside the
// image file the spawn continuation names by id), which it tails and
// forwards as they grow.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/bramford/albatross/internal/minilog"
	"github.com/bramford/albatross/internal/transport"
	"github.com/bramford/albatross/internal/wire"
)

var (
	f_socket = flag.String("socket", "", "path of the log socket to listen on")
	f_poll   = flag.Duration("poll", time.Second, "how often to check tracked log files for new lines")
)

func usage() {
	fmt.Println("usage: albatross-logd -socket <path> working-dir")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.Init()

	if *f_socket == "" || flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	workingDir := flag.Arg(0)

	os.Remove(*f_socket)
	ln, err := net.Listen("unix", *f_socket)
	if err != nil {
		log.Fatal("listen: %v", err)
	}
	defer ln.Close()

	t := &tailer{workingDir: workingDir, offsets: map[string]int64{}}
	go t.run(*f_poll)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatal("accept: %v", err)
		}
		t.attach(conn)
		// Block until the daemon disconnects; log.sock never carries
		// anything inbound, so there is nothing to read here beyond
		// detecting that loss.
		var hdr [wire.HeaderSize]byte
		for {
			if _, err := conn.Read(hdr[:]); err != nil {
				log.Info("logd: daemon disconnected: %v", err)
				break
			}
		}
		t.attach(nil)
		conn.Close()
	}
}

// tailer polls workingDir's immediate subdirectories (one per VM id)
// for a "log" file and forwards lines appended since the last poll.
type tailer struct {
	workingDir string

	mu      sync.Mutex
	conn    net.Conn
	offsets map[string]int64
}

func (t *tailer) attach(conn net.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *tailer) run(poll time.Duration) {
	for {
		entries, err := os.ReadDir(t.workingDir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					t.scanOne(e.Name())
				}
			}
		}
		time.Sleep(poll)
	}
}

func (t *tailer) scanOne(vmID string) {
	path := filepath.Join(t.workingDir, vmID, "log")
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	t.mu.Lock()
	offset := t.offsets[vmID]
	t.mu.Unlock()

	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		t.push(vmID, scanner.Text())
	}
	pos, _ := f.Seek(0, 2)

	t.mu.Lock()
	t.offsets[vmID] = pos
	t.mu.Unlock()
}

func (t *tailer) push(vmID, line string) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	ev := wire.LogLineEvent{Vm: vmID, When: time.Now(), Data: line}
	if err := transport.WriteMessage(conn, wire.ProtocolVersion, wire.TagEventLogLine, ev); err != nil {
		log.Info("logd: write: %v", err)
	}
}
