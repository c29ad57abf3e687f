// Package status provides a small tree-structured introspection sink,
// grounded on goshawkdb.io/server/utils/status.StatusConsumer as used by
// txnengine.Txn.Status and paxos.ProposerManager.Status: callers Emit
// lines, Fork a child consumer for nested detail, and Join when a
// subtree is complete.
package status

import "strings"

// Consumer collects status lines into a tree, indenting forked children.
type Consumer struct {
	lines  *[]string
	depth  int
	joined bool
}

// NewConsumer creates a root Consumer backed by a fresh line buffer.
func NewConsumer() *Consumer {
	lines := make([]string, 0, 16)
	return &Consumer{lines: &lines}
}

// Emit appends a line at the consumer's current indentation depth.
func (c *Consumer) Emit(line string) {
	*c.lines = append(*c.lines, strings.Repeat("  ", c.depth)+line)
}

// Fork returns a child Consumer sharing the same line buffer, indented
// one level deeper than its parent.
func (c *Consumer) Fork() *Consumer {
	return &Consumer{lines: c.lines, depth: c.depth + 1}
}

// Join marks this consumer's subtree complete. It is a no-op beyond
// bookkeeping today, kept for symmetry with the teacher's Fork/Join
// pairing and as the hook future buffering strategies would use.
func (c *Consumer) Join() {
	c.joined = true
}

// String renders the accumulated tree, newline-joined.
func (c *Consumer) String() string {
	return strings.Join(*c.lines, "\n")
}
