package core

import "github.com/encodeous/weft/state"

// Change is one notification on the node's change feed. Status is taken when the flags are published.
type Change struct {
	Flags  state.ChangeFlags
	Status NodeStatus
}

// relay always drains the broadcaster on behalf of one subscriber. Changes the subscriber has not taken yet
// are merged into one, so a slow reader sees fewer notifications instead of stalling the feed.
type relay struct {
	in     chan any
	out    chan<- any
	done   chan struct{}
	exited chan struct{}
}

func newRelay(out chan<- any) *relay {
	r := &relay{
		in:     make(chan any, 1),
		out:    out,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *relay) run() {
	defer close(r.exited)
	var pending Change
	for {
		var out chan<- any
		if pending.Flags != 0 {
			out = r.out
		}
		select {
		case v := <-r.in:
			c := v.(Change)
			pending.Flags |= c.Flags
			pending.Status = c.Status
		case out <- pending:
			pending = Change{}
		case <-r.done:
			return
		}
	}
}

func (r *relay) stop() {
	close(r.done)
	<-r.exited
}

// Subscribe registers ch on the change feed. Values are Change. Publishing never waits for ch: while ch is
// full, later changes are merged into the next value it receives.
func (n *Node) Subscribe(ch chan any) {
	if n.closed {
		return
	}
	if _, ok := n.subs[ch]; ok {
		return
	}
	r := newRelay(ch)
	n.subs[ch] = r
	n.feed.Register(r.in)
}

func (n *Node) Unsubscribe(ch chan any) {
	r, ok := n.subs[ch]
	if !ok {
		return
	}
	delete(n.subs, ch)
	n.feed.Unregister(r.in)
	r.stop()
}

func (n *Node) publish(flags state.ChangeFlags) {
	if n.closed || len(n.subs) == 0 {
		return
	}
	n.feed.Submit(Change{Flags: flags, Status: n.Status()})
}

func (n *Node) closeFeed() error {
	for ch := range n.subs {
		n.Unsubscribe(ch)
	}
	return n.feed.Close()
}
