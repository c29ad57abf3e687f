// Command inbacsim runs one INBAC instance across N in-process
// participants over rpc.Local/Switchboard, for manually exercising the
// scenarios spec §8 names (fast path, aborts, crashes, help, consensus
// contention) without standing up real servers. With --ui it drives the
// gocui-based debug.Viewer instead of printing to stdout.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/fdemoor/yesquel/commit"
	"github.com/fdemoor/yesquel/consensus"
	"github.com/fdemoor/yesquel/debug"
	"github.com/fdemoor/yesquel/dispatcher"
	"github.com/fdemoor/yesquel/inbac"
	"github.com/fdemoor/yesquel/logging"
	"github.com/fdemoor/yesquel/rpc"
	"github.com/fdemoor/yesquel/status"
)

type participant struct {
	addr     string
	rank     int
	exe      *dispatcher.Executor
	inbacReg *inbac.Registry
	recorder *commit.Recording
}

func main() {
	fs := pflag.NewFlagSet("inbacsim", pflag.ExitOnError)
	n := fs.Int("n", 5, "number of participants")
	maxCrashed := fs.Int("max-crashed", 1, "F, the assumed maximum simultaneous crashes")
	crashRanks := fs.String("crash", "", "comma-separated ranks to crash before proposing")
	votes := fs.String("votes", "", "comma-separated per-rank initial votes (1=commit 0=abort); default all commit")
	useUI := fs.Bool("ui", false, "drive the gocui debug viewer instead of printing to stdout")
	_ = fs.Parse(os.Args[1:])

	logger := logging.New("logfmt", "info")
	sb := rpc.NewSwitchboard(2 * time.Millisecond)

	addrs := make([]string, *n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("sim-%d", i)
	}

	parts := make([]*participant, *n)
	exe := dispatcher.NewExecutor(0)
	for i, addr := range addrs {
		local := sb.NewLocal(addr)
		consReg := consensus.NewRegistry(*n, i, addrs, local, exe, consensus.Config{
			ConsDelay: 20 * time.Millisecond, RoundCap: 1000, MsgDelay: 10 * time.Millisecond,
		}, logger)
		rec := &commit.Recording{}
		inbacReg := inbac.NewRegistry(inbac.Params{
			N: *n, MaxCrashed: *maxCrashed, Rank: i, Addrs: addrs,
			Transport: local, Consensus: consReg, Commit: rec, Exe: exe, Logger: logger,
			MsgDelay: 10 * time.Millisecond,
		})
		parts[i] = &participant{addr: addr, rank: i, exe: exe, inbacReg: inbacReg, recorder: rec}
	}

	for _, r := range parseRanks(*crashRanks) {
		if r >= 0 && r < *n {
			sb.Crash(addrs[r])
		}
	}

	voteFor := parseVotes(*votes, *n)

	const inbacId = int64(1)
	statusFn := func() string {
		sc := status.NewConsumer()
		sc.Emit(fmt.Sprintf("inbacsim: n=%d f=%d crashed=%s", *n, inbac.MaxCrashed(*maxCrashed, *n), *crashRanks))
		participants := sc.Fork()
		for _, p := range parts {
			c, ok := p.recorder.Decision(inbacId)
			line := "undecided"
			if ok {
				line = fmt.Sprintf("decided commit=%v", c)
			}
			if sb.IsCrashed(p.addr) {
				line = "crashed"
			}
			participants.Emit(fmt.Sprintf("rank %d: %s", p.rank, line))
		}
		participants.Join()
		return sc.String()
	}

	if *useUI {
		v, err := debug.NewViewer("inbacsim", 200*time.Millisecond, statusFn)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer v.Close()
		for _, p := range parts {
			if sb.IsCrashed(addrs[p.rank]) {
				continue
			}
			p := p
			exe.Enqueue(func() { p.inbacReg.Start(inbacId, voteFor(p.rank)) })
			v.AppendEvent(fmt.Sprintf("rank %d proposed", p.rank))
		}
		if err := v.Run(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	for _, p := range parts {
		if sb.IsCrashed(addrs[p.rank]) {
			continue
		}
		p := p
		exe.Enqueue(func() { p.inbacReg.Start(inbacId, voteFor(p.rank)) })
	}

	time.Sleep(2 * time.Second)
	fmt.Print(statusFn())
	fmt.Println()
}

func parseRanks(s string) []int {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if v, err := strconv.Atoi(f); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func parseVotes(s string, n int) func(rank int) bool {
	if s == "" {
		return func(int) bool { return true }
	}
	fields := strings.Split(s, ",")
	vals := make([]bool, n)
	for i := range vals {
		vals[i] = true
	}
	for i, f := range fields {
		if i >= n {
			break
		}
		vals[i] = strings.TrimSpace(f) == "1"
	}
	return func(rank int) bool { return vals[rank] }
}
