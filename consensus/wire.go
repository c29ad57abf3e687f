package consensus

import (
	capn "github.com/glycerine/go-capnproto"

	"github.com/fdemoor/yesquel/wire"
)

func encode(id int64, round int32, kind uint8, v bool, senderRank uint8) []byte {
	seg := capn.NewBuffer(nil)
	m := wire.NewRootConsensusMessage(seg)
	m.SetConsId(id)
	m.SetRound(round)
	m.SetType(kind)
	m.SetVote(v)
	m.SetSenderRank(senderRank)
	return wire.SegToBytes(seg)
}

func decode(payload []byte) (wire.ConsensusMessage, error) {
	seg, err := wire.BytesToSeg(payload)
	if err != nil {
		return wire.ConsensusMessage{}, err
	}
	return wire.ReadRootConsensusMessage(seg), nil
}
