package heap

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("grex.heap")

// FatalError is raised (via panic) for conditions after which no heap state
// can be trusted: exhausted memory, failed integrity checks, impossible
// protocol states. Nothing recovers from it in production code.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Msg
}

// Fatalf logs msg at critical level and panics with a *FatalError.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Criticalf("%s", msg)
	panic(&FatalError{Msg: msg})
}
