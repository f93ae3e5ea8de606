// albatross-statsd is the statistics gatherer helper, keeping the
// OS-specific counter retrieval out of the daemon itself. It tracks
// whatever pids the daemon tells it to (add pid / remove pid),
// samples /proc for each on an interval, and answers one-shot
// statistics requests immediately.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/c9s/goprocinfo/linux"

	log "github.com/bramford/albatross/internal/minilog"
	"github.com/bramford/albatross/internal/transport"
	"github.com/bramford/albatross/internal/wire"
)

var (
	f_socket   = flag.String("socket", "", "path of the stats socket to listen on")
	f_interval = flag.Duration("interval", 10*time.Second, "periodic sampling interval")
)

func usage() {
	fmt.Println("usage: albatross-statsd -socket <path> [-interval 10s]")
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

	g := &gatherer{tracked: map[string]int{}}

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatal("accept: %v", err)
		}
		g.serve(conn, *f_interval)
	}
}

// gatherer holds the pids currently being tracked, keyed by VM id, as
// told by add-pid/remove-pid control messages.
type gatherer struct {
	mu      sync.Mutex
	tracked map[string]int
}

func (g *gatherer) serve(conn net.Conn, interval time.Duration) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go g.periodic(conn, interval, done)

	for {
		header, body, err := transport.ReadFrame(conn)
		if err != nil {
			log.Info("statsd: daemon disconnected: %v", err)
			return
		}

		switch header.Tag {
		case wire.TagAddPid:
			var req wire.AddPidBody
			if err := wire.DecodeBody(body, &req); err != nil {
				log.Warn("statsd: decode add-pid: %v", err)
				continue
			}
			g.mu.Lock()
			g.tracked[req.Vm] = req.Pid
			g.mu.Unlock()

		case wire.TagRemovePid:
			var req wire.RemovePidBody
			if err := wire.DecodeBody(body, &req); err != nil {
				log.Warn("statsd: decode remove-pid: %v", err)
				continue
			}
			g.mu.Lock()
			delete(g.tracked, req.Vm)
			g.mu.Unlock()

		case wire.TagStatistics:
			var req wire.StatsRequestBody
			if err := wire.DecodeBody(body, &req); err != nil {
				log.Warn("statsd: decode statistics request: %v", err)
				continue
			}
			g.mu.Lock()
			pid, ok := g.tracked[req.Vm]
			g.mu.Unlock()
			if !ok {
				continue
			}
			g.sampleAndSend(conn, req.Vm, pid, req.ID)

		default:
			log.Warn("statsd: unexpected tag %v", header.Tag)
		}
	}
}

func (g *gatherer) periodic(conn net.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			g.mu.Lock()
			snapshot := make(map[string]int, len(g.tracked))
			for vm, pid := range g.tracked {
				snapshot[vm] = pid
			}
			g.mu.Unlock()

			for vm, pid := range snapshot {
				g.sampleAndSend(conn, vm, pid, 0)
			}
		}
	}
}

// sampleAndSend reads pid's /proc/<pid>/stat and sends one
// wire.TagEventStatsSample frame for vm, echoing id (0 on periodic
// ticks, the request id on a one-shot). A pid that has already exited
// (ESRCH-equivalent: stat file gone) is logged and skipped, not
// treated as fatal to the gatherer.
func (g *gatherer) sampleAndSend(conn net.Conn, vm string, pid int, id uint32) {
	stat, err := linux.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		log.Debug("statsd: pid %d: %v", pid, err)
		return
	}

	const userHZMillis = 10 // USER_HZ is 100 on every target platform here
	sample := wire.StatsSample{
		ID:        id,
		Vm:        vm,
		Pid:       pid,
		CPUTimeMs: int64(stat.Utime+stat.Stime) * userHZMillis,
		RSSBytes:  stat.Rss * int64(os.Getpagesize()),
		Sampled:   time.Now(),
	}

	if err := transport.WriteMessage(conn, wire.ProtocolVersion, wire.TagEventStatsSample, sample); err != nil {
		log.Info("statsd: write: %v", err)
	}
}
