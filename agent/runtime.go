package agent

import (
	"errors"

	"github.com/tnt2402/jvm-explorer/api"
)

// ErrNotWritable is returned by Runtime.SetField for fields whose type has no
// text form the agent can parse.
var ErrNotWritable = errors.New("field is not writable")

// Runtime is the introspection surface of the process the agent runs in.
// Implementations must be safe for concurrent use.
type Runtime interface {
	// Classes returns a snapshot of the loaded classes.
	Classes() []api.LoadedClass
	// Content returns the structure and live field values of a class, or an
	// error matching api.ErrClassNotFound.
	Content(className string) (*api.ClassContent, error)
	// SetField parses value into the field's declared type and writes it.
	// A failure leaves the field untouched.
	SetField(className, fieldName, value string) error
}
