// albatross-consoled is the console relay helper: it owns the live
// ring of console lines per attached VM and is the process on the
// other end of cons.sock,
// accepting exactly one connection (the daemon) and then looping
// attach/detach control and console-line events.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	log "github.com/bramford/albatross/internal/minilog"
	"github.com/bramford/albatross/internal/ring"
	"github.com/bramford/albatross/internal/transport"
	"github.com/bramford/albatross/internal/wire"
)

var f_socket = flag.String("socket", "", "path of the console socket to listen on")

func usage() {
	fmt.Println("usage: albatross-consoled -socket <path>")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.Init()

	if *f_socket == "" {
		usage()
		os.Exit(1)
	}

	os.Remove(*f_socket)
	ln, err := net.Listen("unix", *f_socket)
	if err != nil {
		log.Fatal("listen: %v", err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatal("accept: %v", err)
		}
		serve(conn)
	}
}

// serve drives one daemon connection until it disconnects, then
// returns so main can accept the next one (the daemon always retries
// console/log connections as required helpers).
func serve(conn net.Conn) {
	defer conn.Close()

	rings := map[string]*ring.Ring{}

	for {
		header, body, err := transport.ReadFrame(conn)
		if err != nil {
			log.Info("consoled: daemon disconnected: %v", err)
			return
		}

		switch header.Tag {
		case wire.TagAttach:
			var req wire.AttachBody
			if err := wire.DecodeBody(body, &req); err != nil {
				log.Warn("consoled: decode attach: %v", err)
				continue
			}
			rings[req.Vm] = ring.New(1024)

		case wire.TagDetach:
			var req wire.DetachBody
			if err := wire.DecodeBody(body, &req); err != nil {
				log.Warn("consoled: decode detach: %v", err)
				continue
			}
			delete(rings, req.Vm)

		case wire.TagEventConsoleLine:
			var ev wire.ConsoleLineEvent
			if err := wire.DecodeBody(body, &ev); err != nil {
				log.Warn("consoled: decode console line: %v", err)
				continue
			}
			if r, ok := rings[ev.Vm]; ok {
				r.Append(ev.When, ev.Data)
			}
			// Echo the event back unchanged: the daemon's handle_cons
			// fans it out to subscribers only on events it reads from
			// this socket, never on the ones it writes to it.
			if err := transport.WriteFrame(conn, header, body); err != nil {
				log.Info("consoled: write: %v", err)
				return
			}

		default:
			log.Warn("consoled: unexpected tag %v", header.Tag)
		}
	}
}
