package engine

import (
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/bramford/albatross/internal/policy"
	"github.com/bramford/albatross/internal/wire"
)

func writeTo(sessionID uint64, frame []byte) Output {
	return Output{Target: TargetSession, SessionID: sessionID, Frame: frame}
}

func closeSession(sessionID uint64) Output {
	return Output{Target: TargetSession, SessionID: sessionID, Close: true}
}

func mustEncode(version uint16, tag wire.Tag, payload interface{}) []byte {
	frame, err := wire.Encode(version, tag, payload)
	if err != nil {
		// Every payload here is a concrete struct this package
		// controls; a gob-encode failure would mean a programming
		// error, not a runtime condition to recover from.
		panic(fmt.Sprintf("engine: encode %v: %v", tag, err))
	}
	return frame
}

func failFrame(version uint16, id uint32, forTag wire.Tag, msg string) []byte {
	frame, err := wire.Fail(version, id, forTag, msg)
	if err != nil {
		panic(fmt.Sprintf("engine: encode failure: %v", err))
	}
	return frame
}

// handleInitial classifies a freshly authenticated session. chain is
// leaf first, already signature-verified by the TLS layer (which consults
// the engine's current CRL snapshot — see internal/daemon); this
// handler re-derives the projection and applies the business rules:
// CRL install + mass revocation, VM-cert resource algebra and
// name-collision handling, or plain Loop admission.
func handleInitial(state State, sess *Session, chain []*x509.Certificate) (State, []Output, *SpawnJob, error) {
	proj, err := policy.ProjectChain(chain)
	if err != nil {
		return state, nil, nil, fmt.Errorf("%v: %w", err, ErrCryptographic)
	}

	sessions := state.cloneSessions()
	sess = sess.clone()
	sess.Prefix = proj.Prefix
	sess.Permissions = proj.Permissions
	sessions[sess.ID] = sess
	state.Sessions = sessions

	switch {
	case proj.CRLAnnounce != nil:
		return handleCRLAnnounce(state, sess, proj)
	case proj.VM != nil:
		return handleVMCert(state, sess, proj)
	default:
		sess = sess.clone()
		sess.Mode = ModeLoop
		sessions = state.cloneSessions()
		sessions[sess.ID] = sess
		state.Sessions = sessions
		return state, nil, nil, nil
	}
}

func handleCRLAnnounce(state State, sess *Session, proj *policy.ChainProjection) (State, []Output, *SpawnJob, error) {
	if !proj.Permissions.Has(policy.PermCrl) {
		return state, nil, nil, fmt.Errorf("permission denied: %w", ErrPolicy)
	}
	crl := proj.CRLAnnounce

	existing, had := state.CRLs[crl.Issuer]
	if had && crl.Serial <= existing.Serial {
		return state, nil, nil, fmt.Errorf("%s: %w", MsgStaleRevocationList, ErrConflict)
	}

	revoked := make(map[string]bool, len(crl.Revoked))
	for _, s := range crl.Revoked {
		revoked[s.String()] = true
	}
	crls := state.cloneCRLs()
	crls[crl.Issuer] = CRLEntry{Serial: crl.Serial, Revoked: revoked, Issued: time.Now()}
	state.CRLs = crls

	// Every live VM whose chain passes through a now-revoked serial is
	// destroyed before the install is acknowledged.
	var outputs []Output
	var condemned []*RunningVM
	for _, vm := range state.VMs {
		if vmFailsValidation(vm, crl) {
			condemned = append(condemned, vm)
		}
	}
	for _, vm := range condemned {
		var destroys []Output
		state, destroys = destroyVM(state, vm, ExitStatus{Kind: "signalled", Code: 15})
		outputs = append(outputs, destroys...)
		outputs = append(outputs, Output{Target: TargetKill, Pid: vm.Pid})
	}

	sess = sess.clone()
	sess.Mode = ModeClose
	sessions := state.cloneSessions()
	sessions[sess.ID] = sess
	state.Sessions = sessions

	outputs = append(outputs, writeTo(sess.ID, mustEncode(state.Version, wire.TagSuccess, wire.SuccessBody{For: wire.TagCrl})))
	outputs = append(outputs, closeSession(sess.ID))
	return state, outputs, nil, nil
}

// serialsByPrefix builds the Prefix-CN -> serial map a RunningVM keeps
// so a later CRL install can tell whether this VM's chain now fails
// validation without re-walking the original certificate chain.
func serialsByPrefix(proj *policy.ChainProjection) map[string]*big.Int {
	out := make(map[string]*big.Int, len(proj.Prefix))
	for i, cn := range proj.Prefix {
		if i < len(proj.Serials) {
			out[cn] = proj.Serials[i]
		}
	}
	return out
}

// vmFailsValidation reports whether vm's chain now fails validation
// under crl: issuer appears in vm's ancestor prefix and the serial of
// the certificate that issuer named is among crl's revoked serials.
func vmFailsValidation(vm *RunningVM, crl *policy.CRL) bool {
	serial, ok := vm.Serials[crl.Issuer]
	if !ok {
		return false
	}
	for _, r := range crl.Revoked {
		if r.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}

func handleVMCert(state State, sess *Session, proj *policy.ChainProjection) (State, []Output, *SpawnJob, error) {
	forceCreate := proj.Permissions.Has(policy.PermForceCreate)
	if !proj.Permissions.Has(policy.PermCreate) && !forceCreate {
		return state, nil, nil, fmt.Errorf("permission denied: %w", ErrPolicy)
	}

	id := joinID(proj.Prefix, proj.Name)
	incumbent, exists := state.VMs[id]

	excludeID := ""
	if exists {
		if !forceCreate {
			return state, nil, nil, fmt.Errorf("%s: %w", MsgAlreadyExists, ErrConflict)
		}
		excludeID = id
	}

	if err := checkBudget(state, proj, *proj.VM, excludeID); err != nil {
		return state, nil, nil, err
	}

	var outputs []Output
	if exists {
		var preempt []Output
		state, preempt = destroyVM(state, incumbent, ExitStatus{Kind: "signalled", Code: 15})
		outputs = append(outputs, preempt...)
		outputs = append(outputs, Output{Target: TargetKill, Pid: incumbent.Pid})
	}

	sess = sess.clone()
	sess.Mode = ModeCreate
	sessions := state.cloneSessions()
	sessions[sess.ID] = sess
	state.Sessions = sessions

	job := &SpawnJob{
		VMID:         id,
		Prefix:       proj.Prefix,
		Name:         proj.Name,
		Config:       *proj.VM,
		Serials:      serialsByPrefix(proj),
		SessionID:    sess.ID,
		PreemptedOld: exists,
	}
	if forceCreate {
		job.RequestTag = wire.TagForceCreate
	} else {
		job.RequestTag = wire.TagCreate
	}
	return state, outputs, job, nil
}

// handleSpawned completes the Create continuation: once the daemon
// loop has actually invoked the Spawner, it submits the result back
// here to register the RunningVM (or fail the session if the spawn
// itself errored).
func handleSpawned(state State, job *SpawnJob, result SpawnResult, spawnErr error) (State, []Output) {
	if spawnErr != nil {
		return state, []Output{
			writeTo(job.SessionID, failFrame(state.Version, job.RequestID, job.RequestTag, spawnErr.Error())),
			closeSession(job.SessionID),
		}
	}

	vm := &RunningVM{
		ID: job.VMID, Prefix: job.Prefix, Name: job.Name, Config: job.Config,
		Serials:     job.Serials,
		Pid:         result.Pid,
		ConsoleFd:   result.ConsoleFd,
		MAC:         result.MAC,
		Started:     time.Now(),
		Subscribers: map[Stream]map[uint64]bool{},
	}
	vms := state.cloneVMs()
	vms[job.VMID] = vm
	state.VMs = vms

	if reg, ok := state.Observer.(addressRegistrar); ok && vm.MAC != "" {
		reg.Register(vm.MAC)
	}

	outputs := []Output{
		writeTo(job.SessionID, mustEncode(state.Version, wire.TagSuccess, wire.SuccessBody{For: job.RequestTag})),
		closeSession(job.SessionID),
		{Target: TargetStats, Frame: mustEncode(state.Version, wire.TagAddPid, wire.AddPidBody{Vm: job.VMID, Pid: result.Pid})},
		{Target: TargetConsole, Frame: mustEncode(state.Version, wire.TagAttach, wire.AttachBody{Vm: job.VMID})},
	}
	return state, outputs
}

// handleCommand dispatches one command frame from a session already
// admitted into Loop mode.
func handleCommand(state State, sess *Session, header wire.Header, body []byte) (State, []Output, error) {
	switch header.Tag {
	case wire.TagInfo:
		return handleInfo(state, sess, body)
	case wire.TagDestroy:
		return handleDestroy(state, sess, body)
	case wire.TagConsole:
		return handleSubscribe(state, sess, body, policy.PermConsole, wire.TagConsole, StreamConsole)
	case wire.TagLog:
		return handleSubscribe(state, sess, body, policy.PermLog, wire.TagLog, StreamLog)
	case wire.TagStatistics:
		return handleStatistics(state, sess, body)
	case wire.TagCrl:
		return handleCrlDownload(state, sess, body)
	default:
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, 0, header.Tag, "unknown tag"))}, nil
	}
}

func handleInfo(state State, sess *Session, body []byte) (State, []Output, error) {
	var req wire.InfoBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}
	if !sess.Permissions.Has(policy.PermInfo) {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagInfo, "permission denied"))}, nil
	}

	var infos []wire.VMInfo
	for id, vm := range state.VMs {
		if !vmUnderPrefix(vm, sess.Prefix) || !vmGlobMatch(id, req.Glob) {
			continue
		}
		info := wire.VMInfo{
			Id: id, CPUID: vm.Config.Cpuid, RequestedMemory: vm.Config.RequestedMemory,
			BlockDevice: vm.Config.BlockDevice, Networks: vm.Config.Networks,
			Pid: vm.Pid, Started: vm.Started, MAC: vm.MAC,
		}
		if state.Observer != nil && vm.MAC != "" {
			info.ObservedIP4, info.ObservedIP6, _ = state.Observer.Lookup(vm.MAC)
		}
		infos = append(infos, info)
	}
	return state, []Output{writeTo(sess.ID, mustEncode(state.Version, wire.TagSuccess, wire.SuccessBody{ID: req.ID, For: wire.TagInfo, Infos: infos}))}, nil
}

func handleDestroy(state State, sess *Session, body []byte) (State, []Output, error) {
	var req wire.DestroyBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}

	vm, ok := state.VMs[req.Vm]
	if !ok {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagDestroy, MsgNoSuchVM))}, nil
	}

	allowed := sess.Permissions.Has(policy.PermCreate) ||
		(vmUnderPrefix(vm, sess.Prefix) && sess.Permissions.Has(policy.PermForceCreate))
	if !allowed {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagDestroy, "permission denied"))}, nil
	}

	// destroy only signals the process; cleanup happens on the
	// pid-reaper's exit callback (handleShutdown).
	return state, []Output{
		{Target: TargetKill, Pid: vm.Pid},
		writeTo(sess.ID, mustEncode(state.Version, wire.TagSuccess, wire.SuccessBody{ID: req.ID, For: wire.TagDestroy})),
	}, nil
}

func handleSubscribe(state State, sess *Session, body []byte, perm policy.Permission, tag wire.Tag, stream Stream) (State, []Output, error) {
	var req wire.SubscribeBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}
	if !sess.Permissions.Has(perm) {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, tag, "permission denied"))}, nil
	}
	vm, ok := state.VMs[req.Vm]
	if !ok {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, tag, MsgNoSuchVM))}, nil
	}

	vm = vm.clone()
	set := vm.Subscribers[stream]
	if set == nil {
		set = map[uint64]bool{}
		vm.Subscribers[stream] = set
	}
	set[sess.ID] = true
	vms := state.cloneVMs()
	vms[req.Vm] = vm
	state.VMs = vms

	sess = sess.clone()
	streams := sess.Subscriptions[req.Vm]
	if streams == nil {
		streams = map[Stream]bool{}
		sess.Subscriptions[req.Vm] = streams
	}
	streams[stream] = true
	sessions := state.cloneSessions()
	sessions[sess.ID] = sess
	state.Sessions = sessions

	return state, []Output{writeTo(sess.ID, mustEncode(state.Version, wire.TagSuccess, wire.SuccessBody{ID: req.ID, For: tag}))}, nil
}

func handleStatistics(state State, sess *Session, body []byte) (State, []Output, error) {
	var req wire.StatisticsBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}
	if !sess.Permissions.Has(policy.PermStatistics) {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagStatistics, "permission denied"))}, nil
	}
	if !state.StatsAvailable {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagStatistics, MsgStatisticsUnavailable))}, nil
	}
	if _, ok := state.VMs[req.Vm]; !ok {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagStatistics, MsgNoSuchVM))}, nil
	}

	// Remember who asked, so the helper's reply (which echoes the
	// request id) can be relayed to this session by handleStat.
	pending := state.cloneStatsPending()
	pending[statsKey{vm: req.Vm, id: req.ID}] = sess.ID
	state.StatsPending = pending

	return state, []Output{
		{Target: TargetStats, Frame: mustEncode(state.Version, wire.TagStatistics, wire.StatsRequestBody{ID: req.ID, Vm: req.Vm})},
	}, nil
}

func handleCrlDownload(state State, sess *Session, body []byte) (State, []Output, error) {
	var req wire.CrlBody
	if err := wire.DecodeBody(body, &req); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}
	if !sess.Permissions.Has(policy.PermCrl) {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagCrl, "permission denied"))}, nil
	}
	entry, ok := state.CRLs[req.Issuer]
	if !ok {
		return state, []Output{writeTo(sess.ID, failFrame(state.Version, req.ID, wire.TagCrl, "no such issuer"))}, nil
	}

	revoked := make([]*big.Int, 0, len(entry.Revoked))
	for s := range entry.Revoked {
		n := new(big.Int)
		if _, ok := n.SetString(s, 10); ok {
			revoked = append(revoked, n)
		}
	}
	der, err := policy.EncodeCRL(policy.CRL{Issuer: req.Issuer, Serial: entry.Serial, Revoked: revoked, Issued: entry.Issued})
	if err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrRuntime)
	}
	return state, []Output{writeTo(sess.ID, mustEncode(state.Version, wire.TagSuccess, wire.SuccessBody{ID: req.ID, For: wire.TagCrl, CRL: der}))}, nil
}

// handleCons parses an event from the console helper and fans it out
// to every current subscriber of the referenced VM. Unknown ids are
// dropped, not treated as an error.
func handleCons(state State, body []byte) (State, []Output, error) {
	var ev wire.ConsoleLineEvent
	if err := wire.DecodeBody(body, &ev); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}
	vm, ok := state.VMs[ev.Vm]
	if !ok {
		return state, nil, nil
	}
	var outputs []Output
	for subID := range vm.Subscribers[StreamConsole] {
		outputs = append(outputs, writeTo(subID, mustEncode(state.Version, wire.TagEventConsoleLine, ev)))
	}
	return state, outputs, nil
}

func handleLog(state State, body []byte) (State, []Output, error) {
	var ev wire.LogLineEvent
	if err := wire.DecodeBody(body, &ev); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}
	vm, ok := state.VMs[ev.Vm]
	if !ok {
		return state, nil, nil
	}
	var outputs []Output
	for subID := range vm.Subscribers[StreamLog] {
		outputs = append(outputs, writeTo(subID, mustEncode(state.Version, wire.TagEventLogLine, ev)))
	}
	return state, outputs, nil
}

// handleStat relays a one-shot statistics reply to the session that
// requested it, matched by the request id the helper echoes back.
// Periodic tick samples carry id 0 and have no authorized recipient
// (there is no statistics subscription, only the one-shot command), so
// they are dropped, as is a reply whose requester has since gone.
func handleStat(state State, body []byte) (State, []Output, error) {
	var sample wire.StatsSample
	if err := wire.DecodeBody(body, &sample); err != nil {
		return state, nil, fmt.Errorf("%v: %w", err, ErrFraming)
	}

	key := statsKey{vm: sample.Vm, id: sample.ID}
	sessID, ok := state.StatsPending[key]
	if sample.ID == 0 || !ok {
		return state, nil, nil
	}

	pending := state.cloneStatsPending()
	delete(pending, key)
	state.StatsPending = pending

	return state, []Output{
		writeTo(sessID, mustEncode(state.Version, wire.TagSuccess, wire.SuccessBody{ID: sample.ID, For: wire.TagStatistics, Stats: &sample})),
	}, nil
}

// handleShutdown is the exit callback invoked once a VM's process has
// been reaped: remove the VM, demote its pid everywhere, push a
// terminal log line carrying status, and drop every subscription to it.
func handleShutdown(state State, vmID string, status ExitStatus) (State, []Output) {
	vm, ok := state.VMs[vmID]
	if !ok {
		return state, nil
	}
	return destroyVM(state, vm, status)
}

func destroyVM(state State, vm *RunningVM, status ExitStatus) (State, []Output) {
	vms := state.cloneVMs()
	delete(vms, vm.ID)
	state.VMs = vms

	if reg, ok := state.Observer.(addressRegistrar); ok && vm.MAC != "" {
		reg.Unregister(vm.MAC)
	}

	outputs := []Output{
		{Target: TargetStats, Frame: mustEncode(state.Version, wire.TagRemovePid, wire.RemovePidBody{Vm: vm.ID})},
		{Target: TargetConsole, Frame: mustEncode(state.Version, wire.TagDetach, wire.DetachBody{Vm: vm.ID})},
	}

	sessions := state.cloneSessions()
	for subID := range vm.subscriberUnion() {
		if s, ok := sessions[subID]; ok {
			s = s.clone()
			delete(s.Subscriptions, vm.ID)
			sessions[subID] = s
		}
		outputs = append(outputs, writeTo(subID, mustEncode(state.Version, wire.TagEventLogLine, wire.LogLineEvent{
			Vm: vm.ID, When: time.Now(), Data: status.String(),
		})))
	}
	state.Sessions = sessions

	// Any one-shot statistics request still in flight for this VM can
	// never be answered now.
	var stale []statsKey
	for k := range state.StatsPending {
		if k.vm == vm.ID {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 {
		pending := state.cloneStatsPending()
		for _, k := range stale {
			delete(pending, k)
		}
		state.StatsPending = pending
	}
	return state, outputs
}

// handleDisconnect releases every subscription this session owned and
// removes it from the session set.
func handleDisconnect(state State, sess *Session) (State, []Output) {
	vms := state.cloneVMs()
	changed := false
	for vmID, streams := range sess.Subscriptions {
		vm, ok := vms[vmID]
		if !ok {
			continue
		}
		vm = vm.clone()
		for st := range streams {
			delete(vm.Subscribers[st], sess.ID)
		}
		vms[vmID] = vm
		changed = true
	}
	if changed {
		state.VMs = vms
	}

	var stale []statsKey
	for k, owner := range state.StatsPending {
		if owner == sess.ID {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 {
		pending := state.cloneStatsPending()
		for _, k := range stale {
			delete(pending, k)
		}
		state.StatsPending = pending
	}

	sessions := state.cloneSessions()
	delete(sessions, sess.ID)
	state.Sessions = sessions

	return state, nil
}
