// Command inbacd hosts one INBAC participant: it parses the server set
// and this node's rank, starts a TCP transport, wires together the
// inbac and consensus registries, and serves RPC traffic until killed.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/fdemoor/yesquel/commit"
	"github.com/fdemoor/yesquel/config"
	"github.com/fdemoor/yesquel/consensus"
	"github.com/fdemoor/yesquel/dispatcher"
	"github.com/fdemoor/yesquel/inbac"
	"github.com/fdemoor/yesquel/logging"
	"github.com/fdemoor/yesquel/rpc"
	"github.com/fdemoor/yesquel/status"
)

func main() {
	fs := pflag.NewFlagSet("inbacd", pflag.ExitOnError)
	peers := fs.StringSlice("peer", nil, "server set addresses, in rank order (repeatable)")
	rank := fs.Int("rank", -1, "this participant's rank in the server set")
	startIds := fs.Int64Slice("start-inbac-id", nil, "inbacId to start locally at boot (repeatable, paired with --start-vote)")
	startVotes := fs.BoolSlice("start-vote", nil, "initial vote for the matching --start-inbac-id (repeatable)")
	cfg, err := config.ParseFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *rank < 0 || len(*peers) == 0 || *rank >= len(*peers) {
		fmt.Fprintln(os.Stderr, "inbacd: --rank and at least one --peer (covering every rank) are required")
		os.Exit(2)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	logging.Info(logger, "starting", "rank", *rank, "n", len(*peers), "listen", cfg.ListenAddr)

	trans, err := rpc.Listen(cfg.ListenAddr)
	if err != nil {
		logging.Warn(logger, "listen failed", "err", err)
		os.Exit(1)
	}
	defer trans.Close()

	exe := dispatcher.NewExecutor(0)
	defer exe.Shutdown()

	consReg := consensus.NewRegistry(len(*peers), *rank, *peers, trans, exe, consensus.Config{
		ConsDelay: cfg.ConsDelay,
		RoundCap:  cfg.RoundCap,
		MsgDelay:  cfg.MsgDelay,
	}, logger)

	commitCB := commit.Direct{Fn: func(inbacId int64, c bool) commit.Response {
		logging.Info(logger, "commit callback", "inbacId", inbacId, "commit", c)
		status := 0
		if !c {
			status = 1
		}
		return commit.Response{Status: status, Timestamp: time.Now()}
	}}

	inbacReg := inbac.NewRegistry(inbac.Params{
		N: len(*peers), MaxCrashed: cfg.MaxCrashed, Rank: *rank, Addrs: *peers,
		Transport: trans, Consensus: consReg, Commit: commitCB, Exe: exe, Logger: logger,
		MsgDelay: cfg.MsgDelay,
	})

	if cfg.StatusAddr != "" {
		http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			sc := status.NewConsumer()
			sc.Emit(fmt.Sprintf("inbacd rank=%d n=%d f=%d", *rank, len(*peers), inbac.MaxCrashed(cfg.MaxCrashed, len(*peers))))
			peerTree := sc.Fork()
			for i, addr := range *peers {
				mark := ""
				if i == *rank {
					mark = " (self)"
				}
				peerTree.Emit(fmt.Sprintf("peer %d: %s%s", i, addr, mark))
			}
			peerTree.Join()
			fmt.Fprint(w, sc.String())
		})
		go func() {
			logging.Info(logger, "status server listening", "addr", cfg.StatusAddr)
			if err := http.ListenAndServe(cfg.StatusAddr, nil); err != nil {
				logging.Warn(logger, "status server stopped", "err", err)
			}
		}()
	}

	if len(*startIds) != len(*startVotes) {
		logging.Warn(logger, "start-inbac-id/start-vote count mismatch, starting nothing", "ids", len(*startIds), "votes", len(*startVotes))
	} else {
		for i, id := range *startIds {
			id, vote := id, (*startVotes)[i]
			exe.Enqueue(func() {
				logging.Info(logger, "starting configured instance", "inbacId", id, "vote", vote)
				inbacReg.Start(id, vote)
			})
		}
	}

	select {}
}
