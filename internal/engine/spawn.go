package engine

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/kr/pty"

	"github.com/bramford/albatross/internal/policy"
	"github.com/bramford/albatross/internal/wire"
)

// ExitStatus is how a VM's process left the system, rendered in the
// terminal log line as "exited N", "signalled N", or "stopped N".
type ExitStatus struct {
	Kind string // "exited", "signalled", or "stopped"
	Code int
}

func (e ExitStatus) String() string {
	return e.Kind + " " + itoa(e.Code)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SpawnResult is what a successful Spawn call produces: the spawned
// pid, the fd the console helper should read as this VM's console
// source, and a channel delivering exactly one ExitStatus when the
// process leaves.
type SpawnResult struct {
	Pid       int
	ConsoleFd int
	MAC       string // tap MAC the hypervisor assigned this VM's network interface
	Exit      <-chan ExitStatus
}

// Spawner abstracts the hypervisor invocation. It writes the VM's
// image into workingDir named by id, invokes the hypervisor, and
// returns its pid/console fd/exit channel.
type Spawner interface {
	Spawn(id string, workingDir string, cfg policy.VMConfig) (SpawnResult, error)
}

// SpawnJob is the create continuation: the engine's handleInitial
// produces one of these instead of performing the spawn itself
// (which involves blocking I/O and therefore must
// happen outside the single goroutine that owns State). The daemon
// loop runs the continuation with a Spawner and then submits the
// result back to the engine as a handleSpawned job.
type SpawnJob struct {
	VMID         string
	Prefix       []string
	Name         string
	Config       policy.VMConfig
	Serials      map[string]*big.Int
	SessionID    uint64
	RequestID    uint32
	RequestTag   wire.Tag // wire.TagCreate or wire.TagForceCreate
	PreemptedOld bool
}

// hypervisorBinary is the UKVM tender invoked for every guest; a
// deployment overrides it via PATH.
const hypervisorBinary = "solo5-hvt"

var macCounter uint32

// HypervisorSpawner is the concrete Spawner the daemon entrypoint
// wires up: it writes the leaf's image payload to a file owned by id,
// starts solo5-hvt against it with a pty as its console, and reaps the
// child on a dedicated goroutine.
type HypervisorSpawner struct{}

// imageBytes returns the raw unikernel binary for cfg: compressed
// payloads arrive deflated and must be inflated before the tender can
// load them; the other two kinds are already raw.
func imageBytes(cfg policy.VMConfig) ([]byte, error) {
	if cfg.Image != policy.ImageAmd64Compressed {
		return cfg.ImagePayload, nil
	}
	fr := flate.NewReader(bytes.NewReader(cfg.ImagePayload))
	defer fr.Close()
	return io.ReadAll(fr)
}

// Spawn implements Spawner.
func (HypervisorSpawner) Spawn(id string, workingDir string, cfg policy.VMConfig) (SpawnResult, error) {
	img, err := imageBytes(cfg)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("engine: spawn %s: inflate image: %w", id, err)
	}
	imgPath := filepath.Join(workingDir, id, "name.img")
	if err := os.MkdirAll(filepath.Dir(imgPath), 0700); err != nil {
		return SpawnResult{}, fmt.Errorf("engine: spawn %s: %w", id, err)
	}
	if err := os.WriteFile(imgPath, img, 0600); err != nil {
		return SpawnResult{}, fmt.Errorf("engine: spawn %s: %w", id, err)
	}

	mac := nextMAC()

	args := []string{"--mem=" + itoa(cfg.RequestedMemory), "--disk=" + imgPath}
	for _, net := range cfg.Networks {
		args = append(args, "--net="+net, "--net-mac="+mac)
	}
	args = append(args, imgPath)
	args = append(args, cfg.Argv...)

	cmd := exec.Command(hypervisorBinary, args...)
	console, err := pty.Start(cmd)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("engine: spawn %s: %w", id, err)
	}

	exit := make(chan ExitStatus, 1)
	go func() {
		status := waitStatus(cmd.Wait())
		exit <- status
		close(exit)
	}()

	return SpawnResult{
		Pid:       cmd.Process.Pid,
		ConsoleFd: int(console.Fd()),
		MAC:       mac,
		Exit:      exit,
	}, nil
}

// nextMAC hands out a locally-administered, process-unique MAC for
// each spawned tap, per id — no two concurrently running VMs collide
// within this daemon's lifetime.
func nextMAC() string {
	n := atomic.AddUint32(&macCounter, 1)
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", byte(n>>16), byte(n>>8), byte(n))
}

// waitStatus translates a *os/exec.Cmd's Wait error into the
// exited/signalled/stopped vocabulary ExitStatus carries.
func waitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Kind: "exited", Code: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return ExitStatus{Kind: "exited", Code: -1}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Signaled():
			return ExitStatus{Kind: "signalled", Code: int(ws.Signal())}
		case ws.Stopped():
			return ExitStatus{Kind: "stopped", Code: int(ws.StopSignal())}
		default:
			return ExitStatus{Kind: "exited", Code: ws.ExitStatus()}
		}
	}
	return ExitStatus{Kind: "exited", Code: exitErr.ExitCode()}
}
