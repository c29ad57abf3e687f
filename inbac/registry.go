package inbac

import (
	"sync"

	"github.com/fdemoor/yesquel/bitset"
	"github.com/fdemoor/yesquel/rpc"
	"github.com/fdemoor/yesquel/wire"
)

// Registry is the process-wide instance table spec §4.4 calls for:
// instances are looked up by inbacId, and messages that arrive before an
// instance has been constructed locally are buffered and replayed in
// order once it is (spec §8 scenario S5).
//
// Grounded on paxos.ProposerManager's proposals/proposers maps
// (goshawkdb.io/server/paxos/proposermanager.go), generalized from
// per-txn ballots to per-inbacId instances.
type Registry struct {
	base Params

	mu        sync.Mutex
	instances map[int64]*Instance
	early     map[int64][]decodedMsg
}

type decodedMsg struct {
	typ       uint8
	ownerRank int
	vote      bool
	all       bool
	owners    *bitset.Set
}

// NewRegistry builds a registry that will construct every instance with
// base's shared fields (transport, consensus registry, commit callback,
// executor, logger, timing), specialized per inbacId.
func NewRegistry(base Params) *Registry {
	r := &Registry{base: base, instances: make(map[int64]*Instance), early: make(map[int64][]decodedMsg)}
	base.Transport.RegisterHandler(rpc.OpcodeInbac, r.handle)
	return r
}

// Start constructs a new instance for inbacId, proposes v on it, and then
// replays any messages buffered for inbacId before it existed. If an
// instance for inbacId already exists, v is proposed on that instance.
func (r *Registry) Start(inbacId int64, v bool) *Instance {
	return r.getOrCreate(inbacId, true, v)
}

func (r *Registry) getOrCreate(inbacId int64, propose bool, v bool) *Instance {
	r.mu.Lock()
	inst, ok := r.instances[inbacId]
	if ok {
		r.mu.Unlock()
		if propose {
			inst.Propose(v)
		}
		return inst
	}
	inst = newInstance(inbacId, r.base)
	inst.onDelete = func() {
		r.mu.Lock()
		delete(r.instances, inbacId)
		r.mu.Unlock()
	}
	r.instances[inbacId] = inst
	pending := r.early[inbacId]
	delete(r.early, inbacId)
	r.mu.Unlock()

	if propose {
		inst.Propose(v)
	}
	for _, m := range pending {
		r.deliver(inst, m)
	}
	return inst
}

func (r *Registry) handle(_ uint8, payload []byte) ([]byte, error) {
	seg, err := wire.BytesToSeg(payload)
	if err != nil {
		return nil, err
	}
	m := wire.ReadRootInbacMessage(seg)
	dm := decodedMsg{typ: m.Type(), ownerRank: int(m.OwnerRank()), vote: m.Vote(), all: m.All()}
	if ob := m.Owners(); ob != nil {
		dm.owners = bitset.FromBytes(ob)
	}

	r.mu.Lock()
	inst, ok := r.instances[m.InbacId()]
	if !ok {
		r.early[m.InbacId()] = append(r.early[m.InbacId()], dm)
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	r.base.Exe.Enqueue(func() { r.deliver(inst, dm) })
	return nil, nil
}

func (r *Registry) deliver(inst *Instance, m decodedMsg) {
	switch m.typ {
	case wire.InbacVote:
		inst.OnVote(m.ownerRank, m.vote)
	case wire.InbacReport:
		inst.OnReport(m.ownerRank, m.owners, m.vote, m.all)
	case wire.InbacHelpRequest:
		if m.ownerRank >= 0 && m.ownerRank < len(r.base.Addrs) {
			inst.OnHelpRequestFrom(r.base.Addrs[m.ownerRank])
		}
	case wire.InbacHelpResponse:
		inst.OnHelpResponse(m.owners, m.vote)
	}
}
