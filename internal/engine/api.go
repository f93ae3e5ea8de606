package engine

import (
	"crypto/x509"
	"math/big"

	"github.com/bramford/albatross/internal/wire"
)

// This file is the engine's public surface: internal/daemon drives
// every session, helper feeder, and spawn continuation through these
// methods rather than calling the package-private handlers directly,
// keeping the handlers themselves free to stay pure functions while
// still routing every State mutation through the single owner
// goroutine (run.go's Submit).

// NewSession allocates and registers a Fresh-mode session for addr.
func (e *Engine) NewSession(addr string) *Session {
	var sess *Session
	e.Submit(func(s State) (State, []Output) {
		next, created := s.NewSession(addr)
		sess = created
		return next, nil
	})
	return sess
}

// HandleInitial classifies sess's first frame's accompanying
// certificate chain and advances it out of Fresh mode.
func (e *Engine) HandleInitial(sess *Session, chain []*x509.Certificate) ([]Output, *SpawnJob, error) {
	var spawn *SpawnJob
	var handleErr error
	outputs := e.Submit(func(s State) (State, []Output) {
		next, outs, job, err := handleInitial(s, sess, chain)
		spawn, handleErr = job, err
		return next, outs
	})
	return outputs, spawn, handleErr
}

// HandleCommand dispatches one Loop-mode command frame.
func (e *Engine) HandleCommand(sess *Session, header wire.Header, body []byte) ([]Output, error) {
	var handleErr error
	outputs := e.Submit(func(s State) (State, []Output) {
		next, outs, err := handleCommand(s, sess, header, body)
		handleErr = err
		return next, outs
	})
	return outputs, handleErr
}

// HandleSpawned completes the Create continuation once the daemon
// loop has actually invoked the Spawner for job.
func (e *Engine) HandleSpawned(job *SpawnJob, result SpawnResult, spawnErr error) []Output {
	return e.Submit(func(s State) (State, []Output) {
		return handleSpawned(s, job, result, spawnErr)
	})
}

// HandleShutdown retires a VM once its process has actually exited.
func (e *Engine) HandleShutdown(vmID string, status ExitStatus) []Output {
	return e.Submit(func(s State) (State, []Output) {
		return handleShutdown(s, vmID, status)
	})
}

// HandleDisconnect releases every subscription and resource held by
// sess. Must be called on every transport error or close so no VM
// keeps fanning out to a dead peer.
func (e *Engine) HandleDisconnect(sess *Session) []Output {
	return e.Submit(func(s State) (State, []Output) {
		return handleDisconnect(s, sess)
	})
}

// HandleHelperEvent feeds one frame read off the console, log, or
// stats helper socket into the engine. tag selects which of the three
// event bodies body decodes as; any other tag is a no-op.
func (e *Engine) HandleHelperEvent(tag wire.Tag, body []byte) ([]Output, error) {
	var handleErr error
	outputs := e.Submit(func(s State) (State, []Output) {
		var next State
		var outs []Output
		var err error
		switch tag {
		case wire.TagEventConsoleLine:
			next, outs, err = handleCons(s, body)
		case wire.TagEventLogLine:
			next, outs, err = handleLog(s, body)
		case wire.TagEventStatsSample:
			next, outs, err = handleStat(s, body)
		default:
			next = s
		}
		handleErr = err
		return next, outs
	})
	return outputs, handleErr
}

// SetStatsAvailable flips State.StatsAvailable, called by internal/daemon
// on the stats helper's initial connect failure or on a later disconnect.
func (e *Engine) SetStatsAvailable(available bool) {
	e.Submit(func(s State) (State, []Output) {
		s.StatsAvailable = available
		return s, nil
	})
}

// IsRevoked reports whether the certificate whose subject CN is cn and
// whose serial number is serial appears in the revocation store. The
// store entry for cn lists revoked serials of certificates named cn,
// the same keying vmFailsValidation applies during install-time mass
// revocation. Called from internal/daemon's VerifyPeerCertificate on
// every single handshake, never cached: revocations depend on live
// engine state.
func (e *Engine) IsRevoked(cn string, serial *big.Int) bool {
	var revoked bool
	e.Submit(func(s State) (State, []Output) {
		if entry, ok := s.CRLs[cn]; ok {
			revoked = entry.Revoked[serial.String()]
		}
		return s, nil
	})
	return revoked
}
