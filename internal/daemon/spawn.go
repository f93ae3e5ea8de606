package daemon

import (
	"bufio"
	"os"
	"time"

	"github.com/bramford/albatross/internal/engine"
	"github.com/bramford/albatross/internal/transport"
	"github.com/bramford/albatross/internal/wire"
)

// runSpawnContinuation performs the blocking hypervisor invocation
// outside the engine's owner goroutine, then submits the result back
// as a spawned job. It always runs on the accepting session's own
// goroutine, since that session is about to close regardless of the
// spawn's outcome.
func (d *Daemon) runSpawnContinuation(job *engine.SpawnJob) {
	result, err := d.spawner.Spawn(job.VMID, d.cfg.WorkingDir, job.Config)

	outputs := d.eng.HandleSpawned(job, result, err)
	d.applyOutputs(outputs, job.SessionID)
	if err != nil {
		return
	}

	go d.relayConsole(job.VMID, result.ConsoleFd)
	go d.waitForExit(job.VMID, result)
}

// relayConsole is the daemon-side half of the console attachment: the
// spawn continuation is the only place that ever holds the VM's
// console fd (the hypervisor invocation handed it to this process,
// not to the console helper), so the daemon itself tails it and feeds
// lines to cons.sock. The console helper, attached at spawn time,
// owns the ring and echoes each line back on the same connection,
// which is what triggers the subscriber fan-out; the round trip keeps
// console lines on the same code path as every other helper event.
func (d *Daemon) relayConsole(vmID string, fd int) {
	f := os.NewFile(uintptr(fd), "console")
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ev := wire.ConsoleLineEvent{Vm: vmID, When: time.Now(), Data: scanner.Text()}
		if err := transport.WriteMessage(d.consConn, wire.ProtocolVersion, wire.TagEventConsoleLine, ev); err != nil {
			return
		}
	}
}

// waitForExit is the only goroutine allowed to reap this VM's pid. It
// blocks until the Spawner's exit channel delivers a status, then
// drives the engine's shutdown handler.
func (d *Daemon) waitForExit(vmID string, result engine.SpawnResult) {
	status, ok := <-result.Exit
	if !ok {
		return
	}
	outputs := d.eng.HandleShutdown(vmID, status)
	d.applyOutputs(outputs, 0)
}
