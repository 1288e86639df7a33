package dispatcher

import (
	"context"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/job"
)

// PendingChain is a chain being assembled. Only its head is enqueued; each
// link is pushed by the worker after the previous one acks, and a link that
// fails terminally ends the chain.
type PendingChain struct {
	d     *Dispatcher
	cmds  []job.Command
	queue string
	opts  []envelope.Option
}

// Chain starts a chain of cmds, run strictly in order.
func (d *Dispatcher) Chain(cmds ...job.Command) *PendingChain {
	return &PendingChain{d: d, cmds: cmds}
}

// OnQueue routes every link to queue unless a link names its own.
func (c *PendingChain) OnQueue(queue string) *PendingChain {
	c.queue = queue
	return c
}

// With applies opts to every link, after the link's own options.
func (c *PendingChain) With(opts ...envelope.Option) *PendingChain {
	c.opts = append(c.opts, opts...)
	return c
}

// Dispatch enqueues the head envelope carrying the remaining links.
func (c *PendingChain) Dispatch(ctx context.Context) (*envelope.Envelope, error) {
	if len(c.cmds) == 0 {
		return nil, neoqueue.ErrEmptyChain
	}
	links := make([]*envelope.Envelope, len(c.cmds))
	for i, cmd := range c.cmds {
		links[i] = c.d.Envelope(cmd, c.linkOptions(cmd)...)
	}
	head := links[0]
	if len(links) > 1 {
		head.Chain = links[1:]
	}
	if err := c.d.enqueue(ctx, head); err != nil {
		return nil, err
	}
	return head, nil
}

func (c *PendingChain) linkOptions(cmd job.Command) []envelope.Option {
	var opts []envelope.Option
	if c.queue != "" && !setsQueue(cmd) {
		opts = append(opts, envelope.WithQueue(c.queue))
	}
	return append(opts, c.opts...)
}

// setsQueue reports whether the command's own options pick a queue.
func setsQueue(cmd job.Command) bool {
	probe := envelope.New(cmd.Name, nil, cmd.Options...)
	return probe.Queue != envelope.DefaultQueue
}
