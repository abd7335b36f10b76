package api

// Event is a session notification or a command reply. Name selects which
// payload is set.
type Event struct {
	Name          EventName          `json:"name"`
	StateChanged  *StateChangedData  `json:"stateChanged,omitempty"`
	Progress      *ProgressData      `json:"progress,omitempty"`
	Targets       *TargetsData       `json:"targets,omitempty"`
	Classes       *ClassesData       `json:"classes,omitempty"`
	Content       *ContentData       `json:"content,omitempty"`
	FieldWritten  *FieldWrittenData  `json:"fieldWritten,omitempty"`
	CommandFailed *CommandFailedData `json:"commandFailed,omitempty"`
}

type EventName string

const (
	StateChanged    EventName = "StateChanged"
	ProgressChanged EventName = "ProgressChanged"

	// Replies to a single client's Command.
	TargetsListed       EventName = "TargetsListed"
	ClassesListed       EventName = "ClassesListed"
	ClassContentFetched EventName = "ClassContentFetched"
	FieldUpdated        EventName = "FieldUpdated"
	CommandRejected     EventName = "CommandRejected"
)

type StateChangedData struct {
	Timestamp int64          `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Target    *TargetProcess `json:"target,omitempty"`
	State     string         `json:"state"`
	Error     string         `json:"error,omitempty"`
}

type ProgressData struct {
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Percent   int    `json:"percent"`
}

type TargetsData struct {
	Targets []TargetProcess `json:"targets"`
}

type ClassesData struct {
	Classes []LoadedClass `json:"classes"`
}

type ContentData struct {
	Content *ClassContent `json:"content"`
}

type FieldWrittenData struct {
	ClassName string `json:"className"`
	FieldName string `json:"fieldName"`
	Value     string `json:"value"`
}

type CommandFailedData struct {
	Command CommandName `json:"command"`
	Error   string      `json:"error"`
}
