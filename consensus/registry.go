package consensus

import (
	"sync"

	kitlog "github.com/go-kit/log"

	"github.com/fdemoor/yesquel/dispatcher"
	"github.com/fdemoor/yesquel/rpc"
	"github.com/fdemoor/yesquel/wire"
)

// Registry dedups consensus instances by inbacId: every participant
// that reaches the rescue path for the same INBAC instance must land on
// the same single consensus run, the resolution spec §9's second open
// question calls for (get-or-create at the registry, mirroring
// original_source's single consDataList hash table keyed by id).
//
// A participant can also be asked to vote (or to ack a decision) for an
// id it never itself chose to rescue - it may have already decided its
// own INBAC instance on the fast path and have no local stake in the
// election, but spec §4.3 still requires it to answer every peer's
// ask-vote and decision traffic for the protocol to terminate under the
// assumed crash bound. So an inbound message for an unknown id
// constructs a passive instance (no onDone/onDeleted wired) rather than
// being queued indefinitely; if this participant later does reach its
// own rescue path for the same id, GetOrCreate reuses that instance via
// Instance.Attach instead of creating a second one.
type Registry struct {
	n      int
	rank   int
	addrs  []string
	trans  rpc.Transport
	exe    *dispatcher.Executor
	cfg    Config
	logger kitlog.Logger

	mu        sync.Mutex
	instances map[int64]*Instance
}

// NewRegistry builds a registry sharing one dispatcher.Executor across
// every consensus instance it creates - consensus work, like the INBAC
// phase engine, runs single-threaded per spec §5.
func NewRegistry(n, rank int, addrs []string, trans rpc.Transport, exe *dispatcher.Executor, cfg Config, logger kitlog.Logger) *Registry {
	r := &Registry{
		n: n, rank: rank, addrs: addrs, trans: trans, exe: exe, cfg: cfg, logger: logger,
		instances: make(map[int64]*Instance),
	}
	trans.RegisterHandler(rpc.OpcodeConsensus, r.handle)
	return r
}

// GetOrCreate returns the existing instance for id - constructing one,
// or attaching to one already built passively from peer traffic - with
// onDone/onDeleted wired in.
func (r *Registry) GetOrCreate(id int64, onDone func(bool), onDeleted func()) *Instance {
	inst, _ := r.getOrCreateLocked(id)
	inst.Attach(onDone, wrapDeleted(r, id, onDeleted))
	return inst
}

// getOrCreateLocked returns the instance for id, creating a passive one
// (no callbacks) if none exists yet. created reports whether this call
// is the one that constructed it.
func (r *Registry) getOrCreateLocked(id int64) (inst *Instance, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst, false
	}
	inst = New(id, r.n, r.rank, r.addrs, r.trans, r.exe, r.cfg, r.logger, nil, nil)
	r.instances[id] = inst
	return inst, true
}

func wrapDeleted(r *Registry, id int64, onDeleted func()) func() {
	return func() {
		r.mu.Lock()
		delete(r.instances, id)
		r.mu.Unlock()
		if onDeleted != nil {
			onDeleted()
		}
	}
}

func (r *Registry) handle(_ uint8, payload []byte) ([]byte, error) {
	msg, err := decode(payload)
	if err != nil {
		return nil, err
	}
	id := msg.ConsId()
	m := pendingMsg{senderRank: int(msg.SenderRank()), round: msg.Round(), kind: msg.Type(), vote: msg.Vote()}

	inst, created := r.getOrCreateLocked(id)
	if created {
		inst.Attach(nil, wrapDeleted(r, id, nil))
	}
	r.exe.Enqueue(func() { r.dispatch(inst, m) })
	return nil, nil
}

type pendingMsg struct {
	senderRank int
	round      int32
	kind       uint8
	vote       bool
}

func (r *Registry) dispatch(inst *Instance, m pendingMsg) {
	switch m.kind {
	case wire.ConsAskVote:
		inst.OnAskVote(m.senderRank, m.round)
	case wire.ConsVoteReplyPos:
		inst.OnVoteReply(true, m.round)
	case wire.ConsVoteReplyNeg:
		inst.OnVoteReply(false, m.round)
	case wire.ConsDecision:
		inst.OnDecision(m.senderRank, m.vote)
	case wire.ConsDecisionAck:
		inst.OnDecisionAck(m.senderRank)
	}
}
