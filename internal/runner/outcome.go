package runner

import (
	"strconv"
	"syscall"
	"time"
)

// Kind is how a command ended.
type Kind int

const (
	// Exited: the shell exited on its own; Code holds the status.
	Exited Kind = iota
	// Signaled: the shell was killed by Signal.
	Signaled
	// Errored: the shell could not be started or waited for.
	Errored
)

func (k Kind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	case Errored:
		return "errored"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

type Outcome struct {
	Kind    Kind
	Code    int
	Signal  syscall.Signal
	Err     error
	Started time.Time
	Took    time.Duration
}

// OK is true only for a zero exit status. Non-zero exits, signals and start
// errors are all failures for the retry policy.
func (o Outcome) OK() bool { return o.Kind == Exited && o.Code == 0 }

func (o Outcome) String() string {
	switch o.Kind {
	case Exited:
		return "exited(" + strconv.Itoa(o.Code) + ")"
	case Signaled:
		return "signaled(" + o.Signal.String() + ")"
	default:
		if o.Err != nil {
			return "errored(" + o.Err.Error() + ")"
		}
		return "errored"
	}
}
