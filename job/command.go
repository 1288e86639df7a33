package job

import (
	"encoding/json"
	"fmt"

	"github.com/neonextechnologies/neoqueue/envelope"
)

// Command is a tagged unit of work: a registered job name plus its
// serialized arguments. It is resolved to a handler through the Registry
// when a worker executes it.
type Command struct {
	Name    string
	Payload []byte

	// Options are applied after the definition defaults and before the
	// options passed to the dispatch call.
	Options []envelope.Option
}

// NewCommand JSON-encodes payload into a Command.
func NewCommand(name string, payload any, opts ...envelope.Option) (Command, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("encode payload for job %q: %w", name, err)
		}
	}
	return Command{Name: name, Payload: raw, Options: opts}, nil
}

// MustCommand is like NewCommand but panics on encoding errors.
func MustCommand(name string, payload any, opts ...envelope.Option) Command {
	cmd, err := NewCommand(name, payload, opts...)
	if err != nil {
		panic(err)
	}
	return cmd
}
