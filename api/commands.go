package api

// Command is a request sent by an event push client. Name selects which
// argument is set.
type Command struct {
	Name         CommandName          `json:"name"`
	Attach       *AttachCommand       `json:"attach,omitempty"`
	ClassContent *ClassContentCommand `json:"classContent,omitempty"`
	EditField    *EditFieldCommand    `json:"editField,omitempty"`
}

type CommandName string

const (
	ListTargets       CommandName = "ListTargets"
	AttachTarget      CommandName = "Attach"
	DetachTarget      CommandName = "Detach"
	ListLoadedClasses CommandName = "ListClasses"
	FetchClassContent CommandName = "ClassContent"
	WriteField        CommandName = "EditField"
)

type AttachCommand struct {
	PID int `json:"pid"`
}

type ClassContentCommand struct {
	ClassName string `json:"className"`
}

type EditFieldCommand struct {
	ClassName string `json:"className"`
	FieldName string `json:"fieldName"`
	Value     string `json:"value"`
}
