// Package pubrelay forwards a worker's broadcasts to the external
// publish socket, byte-exact, with no parsing, rewriting, or filtering
// of its own — filtering by topic prefix is the external socket's job.
package pubrelay

import (
	"log"

	"github.com/tenzoki/potproxy/internal/socket"
)

// Relay copies frames from one worker's publish socket to the external
// publish socket until the worker disconnects.
type Relay struct {
	store string
	in    *socket.WorkerPubSocket
	out   *socket.PubSocket
	debug bool
}

func New(store string, in *socket.WorkerPubSocket, out *socket.PubSocket, debug bool) *Relay {
	return &Relay{store: store, in: in, out: out, debug: debug}
}

// Run blocks forwarding frames until the worker's publish connection
// errors (typically because the worker process exited), then returns
// so the supervisor can respawn and reattach it.
func (r *Relay) Run() error {
	for {
		frame, err := r.in.Recv()
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		r.out.Broadcast(frame)
		if r.debug {
			log.Printf("[pubrelay %s] forwarded %d bytes", r.store, len(frame))
		}
	}
}
