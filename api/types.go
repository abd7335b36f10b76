package api

import (
	"strings"
)

// Runtime identifiers reported by the hosts.
const (
	RuntimeHotspot = "hotspot"
	RuntimeGo      = "go"
)

// TargetProcess is a process the controller may attach to.
type TargetProcess struct {
	PID         int    `json:"pid"`
	DisplayName string `json:"displayName"`
	Runtime     string `json:"runtime"`
}

// LoadedClass is a class resident in the target at listing time. Its identity
// is the pair (LoaderID, Name).
type LoadedClass struct {
	Name     string `json:"name"`
	LoaderID string `json:"loaderId"`
}

// SimpleName returns the last dotted segment of the class name.
func (c LoadedClass) SimpleName() string {
	if i := strings.LastIndexByte(c.Name, '.'); i >= 0 {
		return c.Name[i+1:]
	}
	return c.Name
}

// Package returns the qualifier of the class name, or "" for the default package.
func (c LoadedClass) Package() string {
	if i := strings.LastIndexByte(c.Name, '.'); i >= 0 {
		return c.Name[:i]
	}
	return ""
}

func (c LoadedClass) String() string {
	return c.Name
}

// FieldDescriptor is one declared field of a class and its live value.
type FieldDescriptor struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ClassContent is an on-demand snapshot of a class. Payload is opaque to the
// controller and is passed through to whatever renders it.
type ClassContent struct {
	Owner   LoadedClass       `json:"owner"`
	Payload []byte            `json:"payload"`
	Fields  []FieldDescriptor `json:"fields"`
}

// Field returns the descriptor with the given name.
func (c *ClassContent) Field(name string) (FieldDescriptor, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}
