// Package consensus implements the randomized-timeout leader-election
// rescue path spec §4.3 falls back to whenever an INBAC instance cannot
// reach a fast-path decision on its own: each round a proposer asks
// every peer for a vote, a peer grants at most one vote per round (the
// hasVoted-this-round exclusivity flag), and a proposer that gathers a
// strict majority leads - broadcasting the decision and handing it to
// the rescued INBAC instance. A round cap forces a false decision as a
// liveness backstop if no round ever converges.
//
// Grounded on original_source/src/consensus.cpp's ConsensusData: the
// round/vote/nbAcks/tryingLead/elected/done field set, propose() arming
// a single random timer without broadcasting, timeoutEvent() advancing
// the round and re-arming, lead() broadcasting the decision once, and
// tryDelete()/consDeleteHandler's deferred self-delete once decision
// acks are in. The per-round vote exclusivity (so at most one proposer
// can ever gather a majority per round, the property spec §8 scenario
// S6 exercises) is spec.md §4.3's own description of the ask-vote reply
// rule, reconstructed here as a per-instance hasVotedRound watermark
// since the retrieved source excerpt only covers the proposer side of
// the RPC, not the peer-side request handler.
package consensus

import (
	"math/rand"
	"time"

	kitlog "github.com/go-kit/log"

	"github.com/fdemoor/yesquel/dispatcher"
	"github.com/fdemoor/yesquel/logging"
	"github.com/fdemoor/yesquel/rpc"
	"github.com/fdemoor/yesquel/wire"
)

// Config bounds a consensus instance's timing and liveness behavior.
type Config struct {
	ConsDelay time.Duration
	RoundCap  int
	MsgDelay  time.Duration // grace period before deferred self-delete
}

// Instance is one round-based consensus run, rescuing a single INBAC
// instance's undecided vote (spec §4.3). Field names follow spec §3's
// "Consensus instance state" row directly.
type Instance struct {
	id     int64
	n      int
	rank   int
	addrs  []string
	cfg    Config
	trans  rpc.Transport
	exe    *dispatcher.Executor
	logger kitlog.Logger
	onDone func(bool)

	round      int32
	vote       bool
	started    bool // true once propose() has run locally
	tryingLead bool
	elected    bool
	done       bool
	nbAcks     int
	timer      *time.Timer

	hasVotedRound int32 // highest round this instance has granted a vote in; -1 = none yet

	decision       bool
	broadcastOnce  bool
	decisionAcks   map[int]bool
	canDelete      bool
	deleted        bool
	onDeleted      func()
}

// New creates a consensus instance for id. onDone is invoked exactly
// once, on the instance's own executor, with the decided value.
// onDeleted is invoked once the instance is ready to be dropped from its
// registry, after the decision-ack quorum (or grace period) elapses.
func New(id int64, n, rank int, addrs []string, trans rpc.Transport, exe *dispatcher.Executor, cfg Config, logger kitlog.Logger, onDone func(bool), onDeleted func()) *Instance {
	return &Instance{
		id: id, n: n, rank: rank, addrs: addrs, cfg: cfg, trans: trans, exe: exe, logger: logger,
		onDone: onDone, onDeleted: onDeleted,
		round:         -1,
		hasVotedRound: -1,
		decisionAcks:  make(map[int]bool),
	}
}

// Attach wires callbacks onto an instance that was already reactively
// constructed from inbound peer traffic (see Registry.handle), for the
// case where this participant only now decides to rescue locally. If
// the instance has already reached a decision - learned passively,
// before this participant ever needed to rescue - onDone fires
// immediately with that decision, since lead()/OnDecision will not call
// it again.
func (c *Instance) Attach(onDone func(bool), onDeleted func()) {
	c.onDone = onDone
	c.onDeleted = onDeleted
	if c.done && onDone != nil {
		onDone(c.decision)
	}
}

// Propose starts the election with v as the initial estimate. Must run
// on the instance's executor. Mirrors original_source's propose(): it
// only records the estimate and arms the first random timer, it does
// not itself broadcast - the ask-vote round begins on the first timeout.
func (c *Instance) Propose(v bool) {
	if c.done {
		return
	}
	c.started = true
	c.vote = v
	c.armTimer(c.round)
}

func (c *Instance) armTimer(forRound int32) {
	d := c.randomTimeout()
	c.timer = time.AfterFunc(d, func() {
		c.exe.Enqueue(func() { c.onTimeout(forRound) })
	})
}

// randomTimeout picks a duration uniformly in [0, ConsDelay), spec
// §4.3's "randomized timeout" used to break symmetric contention
// between competing proposers (S6).
func (c *Instance) randomTimeout() time.Duration {
	if c.cfg.ConsDelay <= 0 {
		return time.Millisecond
	}
	return time.Duration(rand.Int63n(int64(c.cfg.ConsDelay)))
}

// onTimeout fires once per armed timer. Stale fires (a timer for a round
// this instance has since moved past) are ignored.
func (c *Instance) onTimeout(forRound int32) {
	if c.done || forRound != c.round {
		return
	}
	if c.round+1 >= int32(c.cfg.RoundCap) {
		logging.Warn(c.logger, "consensus round cap reached, forcing false decision", "consId", c.id, "round", c.round+1)
		c.vote = false
		c.lead()
		return
	}
	c.round++
	if c.round <= c.hasVotedRound {
		// this round's vote already went to another proposer
		c.round = c.hasVotedRound + 1
	}
	// the proposer's own vote, counted by the +1 in OnVoteReply
	c.hasVotedRound = c.round
	c.nbAcks = 0
	c.tryingLead = true
	for peer, addr := range c.addrs {
		if peer == c.rank {
			continue
		}
		c.send(addr, wire.ConsAskVote, c.round, false)
	}
	c.armTimer(c.round)
}

// OnAskVote handles an inbound ask-vote request for round r. A vote is
// granted at most once per round: the first ask-vote this instance sees
// for round r (or any round beyond what it has already granted) gets a
// positive reply, every later one for that same round gets a negative
// reply - the exclusivity that lets at most one proposer per round ever
// gather a majority.
func (c *Instance) OnAskVote(senderRank int, r int32) {
	addr := c.peerAddr(senderRank)
	if addr == "" {
		return
	}
	if r > c.hasVotedRound {
		c.hasVotedRound = r
		c.send(addr, wire.ConsVoteReplyPos, r, false)
	} else {
		c.send(addr, wire.ConsVoteReplyNeg, r, false)
	}
}

// OnVoteReply handles an inbound reply to this instance's own ask-vote
// for round r. Negative replies and replies for a round this instance
// has moved past are dropped; a positive reply for the current round
// counts toward the majority lead() requires.
func (c *Instance) OnVoteReply(positive bool, r int32) {
	if c.done || r != c.round || !positive {
		return
	}
	c.nbAcks++
	if c.nbAcks+1 > c.n/2 {
		c.lead()
	}
}

// lead marks this instance elected and broadcasts its decision, exactly
// once, then hands the outcome to the rescued INBAC instance.
func (c *Instance) lead() {
	if c.done {
		return
	}
	c.done = true
	c.elected = true
	c.decision = c.vote
	if c.timer != nil {
		c.timer.Stop()
	}
	logging.Info(c.logger, "consensus elected", "consId", c.id, "decision", c.decision, "round", c.round)
	if c.onDone != nil {
		c.onDone(c.decision)
	}
	c.broadcastDecision()
}

// OnDecision handles an inbound decision broadcast from senderRank -
// this instance may never have led (or even proposed) itself.
func (c *Instance) OnDecision(senderRank int, v bool) {
	if !c.done {
		c.done = true
		c.decision = v
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.onDone != nil {
			c.onDone(v)
		}
	}
	if addr := c.peerAddr(senderRank); addr != "" {
		c.send(addr, wire.ConsDecisionAck, c.round, false)
	}
	// A participant that only learned of the decision, rather than
	// leading itself, has no election of its own in flight and is
	// eligible for deletion right away (original_source's !started
	// check in the decision-ack callback).
	if !c.started {
		c.armDeleteAfterGrace()
	}
}

// OnDecisionAck handles a peer's ack of our own decision broadcast,
// counting toward the quorum that gates deferred self-delete.
func (c *Instance) OnDecisionAck(senderRank int) {
	if !c.broadcastOnce {
		return
	}
	c.decisionAcks[senderRank] = true
	if len(c.decisionAcks) >= c.n-1 {
		c.armDeleteAfterGrace()
	}
}

func (c *Instance) broadcastDecision() {
	if c.broadcastOnce {
		return
	}
	c.broadcastOnce = true
	for peer, addr := range c.addrs {
		if peer == c.rank {
			continue
		}
		c.send(addr, wire.ConsDecision, c.round, c.decision)
	}
}

// armDeleteAfterGrace schedules self-delete one MsgDelay after the
// decision-ack quorum (or, for a non-leading decider, immediately after
// learning the decision) - the grace period absorbs any in-flight
// decision/ack traffic still converging, matching original_source's
// consDeleteHandler deferral.
func (c *Instance) armDeleteAfterGrace() {
	if c.canDelete {
		return
	}
	c.canDelete = true
	grace := c.cfg.MsgDelay
	time.AfterFunc(grace, func() {
		c.exe.Enqueue(func() {
			if c.deleted {
				return
			}
			c.deleted = true
			if c.onDeleted != nil {
				c.onDeleted()
			}
		})
	})
}

// Decided reports whether this instance has reached a decision, and
// what it decided.
func (c *Instance) Decided() (bool, bool) { return c.done, c.decision }

func (c *Instance) peerAddr(rank int) string {
	if rank < 0 || rank >= len(c.addrs) {
		return ""
	}
	return c.addrs[rank]
}

func (c *Instance) send(addr string, kind uint8, round int32, v bool) {
	payload := encode(c.id, round, kind, v, uint8(c.rank))
	c.trans.AsyncSend(addr, rpc.OpcodeConsensus, payload, func(resp []byte, err error) {
		if err != nil {
			logging.Warn(c.logger, "consensus: transport failure", "consId", c.id, "addr", addr, "err", err)
		}
	})
}
