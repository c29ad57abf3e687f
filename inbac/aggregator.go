package inbac

import "github.com/fdemoor/yesquel/bitset"

// aggregator holds the three vote collections and their running
// conjunctions spec §3's data model describes: collection0 (phase-0
// votes), collection1 (phase-1 reports, one per reporting backup or
// coordinator), and collectionHelp (help-mode responses).
type aggregator struct {
	n int

	collection0 *bitset.Set
	and0        bool

	collection1 map[int]report
	and1        bool
	all1        bool

	collectionHelp *bitset.Set
	andHelp        bool
	cntHelp        int
}

func newAggregator(n int) *aggregator {
	return &aggregator{
		n:              n,
		collection0:    bitset.New(n),
		and0:           true,
		collection1:    make(map[int]report),
		and1:           true,
		all1:           true,
		collectionHelp: bitset.New(n),
		andHelp:        true,
	}
}

// addVote0 folds one phase-0 vote into collection0/and0. Idempotent for
// a repeated rank: and0 is re-ANDed with the same value, which cannot
// change its outcome.
func (a *aggregator) addVote0(rank int, vote bool) {
	a.collection0.Add(rank)
	a.and0 = a.and0 && vote
}

// addReport folds one phase-1 report into collection1, keyed by the
// reporter's rank so a duplicate retransmission overwrites rather than
// double-counts (spec §5's at-least-once delivery assumption).
func (a *aggregator) addReport(reporterRank int, owners *bitset.Set, vote, all bool) {
	a.collection1[reporterRank] = report{owners: owners, vote: vote, all: all}
	a.and1 = a.and1 && vote
	a.all1 = a.all1 && all
}

func (a *aggregator) cnt() int { return len(a.collection1) }

// unionCollection1Owners unions every phase-1 report's owner set, used
// by consensusRescue1 to test whether collection1, taken together,
// accounts for every rank (spec §4.3).
func (a *aggregator) unionCollection1Owners() *bitset.Set {
	u := bitset.New(a.n)
	for _, rep := range a.collection1 {
		u.UnionInto(rep.owners)
	}
	return u
}

// addHelpResponse folds one help response into collectionHelp/andHelp.
func (a *aggregator) addHelpResponse(owners *bitset.Set, vote bool) {
	a.collectionHelp.UnionInto(owners)
	a.andHelp = a.andHelp && vote
	a.cntHelp++
}
