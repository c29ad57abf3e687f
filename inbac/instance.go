package inbac

import (
	"time"

	capn "github.com/glycerine/go-capnproto"
	kitlog "github.com/go-kit/log"

	"github.com/fdemoor/yesquel/bitset"
	"github.com/fdemoor/yesquel/commit"
	"github.com/fdemoor/yesquel/consensus"
	"github.com/fdemoor/yesquel/dispatcher"
	"github.com/fdemoor/yesquel/logging"
	"github.com/fdemoor/yesquel/rpc"
	"github.com/fdemoor/yesquel/wire"
)

// Params bundles everything one Instance needs, shared across every
// instance a given participant runs (spec §6).
type Params struct {
	N          int
	MaxCrashed int
	Rank       int
	Addrs      []string // ordered server set; Addrs[rank] is this instance's own address
	Transport  rpc.Transport
	Consensus  *consensus.Registry
	Commit     commit.Callback
	Exe        *dispatcher.Executor
	Logger     kitlog.Logger
	MsgDelay   time.Duration

	// Notify, if non-nil, is called exactly once per instance with the
	// decided outcome and the commit subsystem's response - the "RPC
	// task-info handle" spec §6 has the core signal once a client-facing
	// response is ready. inbacId lets one shared Notify func route back
	// to the right pending client call.
	Notify func(inbacId int64, decision bool, resp commit.Response)
}

// Instance is one participant's view of a single INBAC run: the
// two-phase vote-exchange state machine of spec §4.1 plus the help
// protocol and consensus rescue of §4.3, running single-threaded on its
// own dispatcher.Executor (spec §5).
//
// Grounded structurally on txnengine.Txn's component-state-machine shape
// (goshawkdb.io/server/txnengine/transaction.go): distinct phases
// advance strictly forward, each driven by either a timer fire or a
// message delivery, with decide() playing Txn's "locally complete"
// role.
type Instance struct {
	inbacId int64
	p       Params
	role    Role
	f       int

	agg *aggregator

	phase int // 0 or 1
	val   bool

	proposed bool
	decided  bool
	decision bool
	wait     bool

	t0, t1     bool // fire-once latches: true means "not yet fired"
	d0, d1     bool // deletion-eligibility latches
	t0Timer    *time.Timer
	t1Timer    *time.Timer

	deleted bool
	onDelete func()
}

func newInstance(inbacId int64, p Params) *Instance {
	f := MaxCrashed(p.MaxCrashed, p.N)
	return &Instance{
		inbacId: inbacId,
		p:       p,
		role:    RoleForRank(p.Rank, f),
		f:       f,
		agg:     newAggregator(p.N),
		t0:      true,
		t1:      true,
	}
}

// Propose starts this instance with v as the participant's own vote
// (spec §4.1's propose(v)). Must be invoked on p.Exe.
func (inst *Instance) Propose(v bool) {
	inst.val = v
	inst.agg.addVote0(inst.p.Rank, v)

	// Phase-0 fan-in target is ranks [0, F] - the F backups plus the
	// coordinator (resolved ambiguity, see DESIGN.md): every proposer,
	// regardless of its own rank, reports its vote there.
	for r := 0; r <= inst.f && r < inst.p.N; r++ {
		if r == inst.p.Rank {
			continue
		}
		inst.sendVote(inst.p.Addrs[r], r, v)
	}

	if inst.role == RoleFollower {
		inst.phase = 1
		inst.d0 = true
		inst.t0 = false
		inst.armT1(2 * inst.p.MsgDelay)
		return
	}

	inst.armT0(inst.p.MsgDelay)
}

func (inst *Instance) armT0(d time.Duration) {
	inst.t0Timer = time.AfterFunc(d, func() {
		inst.p.Exe.Enqueue(func() { inst.fireT0(false) })
	})
}

func (inst *Instance) armT1(d time.Duration) {
	inst.t1Timer = time.AfterFunc(d, func() {
		inst.p.Exe.Enqueue(func() { inst.fireT1(false) })
	})
}

// OnVote handles an inbound phase-0 vote (spec §4.1's type-0 message).
func (inst *Instance) OnVote(ownerRank int, vote bool) {
	if inst.phase != 0 {
		return // out-of-phase message: dropped by the phase guard
	}
	inst.agg.addVote0(ownerRank, vote)

	switch inst.role {
	case RoleBackup:
		if inst.agg.collection0.Full() {
			inst.fireT0(true)
		}
	case RoleCoordinator:
		if containsBackups(inst.agg.collection0, inst.f) {
			inst.fireT0(true)
		}
	}
}

func containsBackups(s *bitset.Set, f int) bool {
	for r := 0; r < f; r++ {
		if !s.Contains(r) {
			return false
		}
	}
	return true
}

// fireT0 runs doT0Body on the first of (shortcut, scheduled timer) to
// reach it, and on the second marks d0 and attempts deletion - the
// idempotent-via-latch pattern spec §5 describes.
func (inst *Instance) fireT0(shortcut bool) {
	if inst.t0 {
		inst.t0 = false
		inst.doT0Body()
		if shortcut {
			inst.d0 = false
		} else {
			inst.d0 = true
			inst.tryDelete()
		}
		return
	}
	inst.d0 = true
	inst.tryDelete()
}

func (inst *Instance) doT0Body() {
	owners := inst.agg.collection0
	vote := inst.agg.and0
	all := owners.Full()

	switch inst.role {
	case RoleBackup:
		for r := 0; r < inst.p.N; r++ {
			if r == inst.p.Rank {
				continue
			}
			inst.sendReport(inst.p.Addrs[r], inst.p.Rank, owners, vote, all)
		}
		inst.agg.addReport(inst.p.Rank, owners, vote, all)
	case RoleCoordinator:
		for r := 0; r < inst.f; r++ {
			inst.sendReport(inst.p.Addrs[r], inst.p.Rank, owners, vote, all)
		}
	}

	inst.phase = 1
	inst.armT1(inst.p.MsgDelay)
}

// OnReport handles an inbound phase-1 report (spec §4.1's type-1
// message).
func (inst *Instance) OnReport(reporterRank int, owners *bitset.Set, vote, all bool) {
	if inst.phase != 1 || inst.decided || inst.proposed {
		return
	}
	inst.agg.addReport(reporterRank, owners, vote, all)
	if inst.agg.cnt() == inst.f {
		inst.fireT1(true)
	}
}

func (inst *Instance) fireT1(shortcut bool) {
	if inst.t1 {
		inst.t1 = false
		inst.doT1Body()
		if shortcut {
			inst.d1 = false
		} else {
			inst.d1 = true
			inst.tryDelete()
		}
		return
	}
	inst.d1 = true
	inst.tryDelete()
}

func (inst *Instance) doT1Body() {
	if inst.decided || inst.proposed {
		return
	}

	switch inst.role {
	case RoleBackup:
		if inst.agg.cnt() == inst.f+1 && inst.agg.all1 {
			inst.decide(inst.agg.and1)
			return
		}
		inst.consensusRescue1()
	default: // coordinator and follower share this branch (grounded on
		// original_source/src/inbac.cpp's combined `id >= MAX_NB_CRASHED`
		// timeoutEvent1 arm)
		inst.agg.addVote0(inst.p.Rank, inst.val)
		for _, rep := range inst.agg.collection1 {
			inst.agg.collection0.UnionInto(rep.owners)
		}
		switch {
		case inst.agg.cnt() == inst.f && inst.agg.all1:
			inst.decide(inst.agg.and1)
		case inst.agg.cnt() >= 1:
			inst.consensusRescue1()
		default:
			inst.enterHelpMode()
		}
	}
}

// consensusRescue1 invokes the consensus rescue with the union of
// collection1's owner sets deciding the proposed value (spec §4.3).
func (inst *Instance) consensusRescue1() {
	inst.proposed = true
	proposal := false
	if inst.agg.unionCollection1Owners().Full() {
		proposal = inst.agg.and1
	}
	inst.runConsensus(proposal)
}

// enterHelpMode is only reached by the coordinator or a follower when
// phase-1 yields no reports at all.
func (inst *Instance) enterHelpMode() {
	inst.wait = true
	if inst.role == RoleCoordinator {
		inst.agg.collectionHelp.Add(inst.p.Rank)
		inst.agg.andHelp = inst.agg.andHelp && inst.val
		inst.agg.cntHelp = 1
	}
	for r := inst.f + 1; r < inst.p.N; r++ {
		if r == inst.p.Rank {
			continue
		}
		inst.sendHelpRequest(inst.p.Addrs[r])
	}
	inst.helpCheck()
}

// OnHelpRequestFrom handles an inbound help request from fromAddr: only
// followers answer, with their own (at most single-entry) phase-0 vote
// as the response (spec §4.3's help protocol).
func (inst *Instance) OnHelpRequestFrom(fromAddr string) {
	if inst.role != RoleFollower {
		return
	}
	inst.sendHelpResponse(fromAddr)
}

// OnHelpResponse handles an inbound help response while waiting.
func (inst *Instance) OnHelpResponse(owners *bitset.Set, vote bool) {
	if !inst.wait {
		return
	}
	inst.agg.addHelpResponse(owners, vote)
	inst.helpCheck()
}

func (inst *Instance) helpCheck() {
	if !inst.wait {
		return
	}
	nMinusF := inst.p.N - inst.f
	if inst.agg.cnt()+inst.agg.cntHelp < nMinusF {
		return
	}
	inst.wait = false
	switch {
	case inst.agg.cnt() == inst.f && inst.agg.all1:
		inst.decide(inst.agg.and1)
	case inst.agg.cnt() >= 1:
		inst.consensusRescue1()
	default:
		inst.consensusRescue2()
	}
}

func (inst *Instance) consensusRescue2() {
	inst.proposed = true
	proposal := false
	if inst.agg.collectionHelp.Full() {
		proposal = inst.agg.andHelp
	}
	inst.runConsensus(proposal)
}

func (inst *Instance) runConsensus(proposal bool) {
	cons := inst.p.Consensus.GetOrCreate(inst.inbacId,
		func(v bool) { inst.p.Exe.Enqueue(func() { inst.decide(v) }) },
		func() { inst.p.Exe.Enqueue(inst.tryDelete) },
	)
	cons.Propose(proposal)
}

// decide is idempotent: only the first call invokes the commit
// subsystem (spec §8 invariant 7).
func (inst *Instance) decide(v bool) {
	if inst.decided {
		return
	}
	inst.decided = true
	inst.decision = v
	resp := inst.p.Commit.Commit(inst.inbacId, v)
	logging.Info(inst.p.Logger, "inbac decided", "inbacId", inst.inbacId, "decision", v, "rank", inst.p.Rank, "role", inst.role.String())
	if inst.p.Notify != nil {
		inst.p.Notify(inst.inbacId, v, resp)
	}
	inst.tryDelete()
}

// tryDelete frees the instance once both timers have run their course
// and a decision has been reached (spec §4.4's single deletion
// invariant: d0 ∧ d1 ∧ decided).
func (inst *Instance) tryDelete() {
	if inst.deleted || !(inst.d0 && inst.d1 && inst.decided) {
		return
	}
	inst.deleted = true
	if inst.t0Timer != nil {
		inst.t0Timer.Stop()
	}
	if inst.t1Timer != nil {
		inst.t1Timer.Stop()
	}
	if inst.onDelete != nil {
		inst.onDelete()
	}
}

// --- wire sends ---

func (inst *Instance) sendVote(addr string, ownerRank int, vote bool) {
	seg := capn.NewBuffer(nil)
	m := wire.NewRootInbacMessage(seg)
	m.SetInbacId(inst.inbacId)
	m.SetType(wire.InbacVote)
	m.SetOwnerRank(uint8(ownerRank))
	m.SetVote(vote)
	inst.asyncSend(addr, wire.SegToBytes(seg))
}

func (inst *Instance) sendReport(addr string, ownerRank int, owners *bitset.Set, vote, all bool) {
	seg := capn.NewBuffer(nil)
	m := wire.NewRootInbacMessage(seg)
	m.SetInbacId(inst.inbacId)
	m.SetType(wire.InbacReport)
	m.SetOwnerRank(uint8(ownerRank))
	m.SetVote(vote)
	m.SetAll(all)
	m.SetOwners(owners.Bytes())
	inst.asyncSend(addr, wire.SegToBytes(seg))
}

func (inst *Instance) sendHelpRequest(addr string) {
	seg := capn.NewBuffer(nil)
	m := wire.NewRootInbacMessage(seg)
	m.SetInbacId(inst.inbacId)
	m.SetType(wire.InbacHelpRequest)
	m.SetOwnerRank(uint8(inst.p.Rank))
	inst.asyncSend(addr, wire.SegToBytes(seg))
}

func (inst *Instance) sendHelpResponse(addr string) {
	seg := capn.NewBuffer(nil)
	m := wire.NewRootInbacMessage(seg)
	m.SetInbacId(inst.inbacId)
	m.SetType(wire.InbacHelpResponse)
	m.SetOwnerRank(uint8(inst.p.Rank))
	m.SetVote(inst.val)
	owners := bitset.New(inst.p.N)
	owners.Add(inst.p.Rank)
	m.SetOwners(owners.Bytes())
	inst.asyncSend(addr, wire.SegToBytes(seg))
}

func (inst *Instance) asyncSend(addr string, payload []byte) {
	inst.p.Transport.AsyncSend(addr, rpc.OpcodeInbac, payload, func(_ []byte, err error) {
		// The transport invokes this callback on its own goroutine, not
		// the instance's executor; route the failure-logging back onto
		// it via EnqueueFuncAsync so it's serialized with everything
		// else this instance does, rather than touching the logger from
		// an arbitrary goroutine.
		inst.p.Exe.EnqueueFuncAsync(func() (bool, error) {
			if err != nil {
				logging.Warn(inst.p.Logger, "inbac: transport failure", "inbacId", inst.inbacId, "addr", addr, "err", err)
			}
			return err == nil, err
		})
	})
}
