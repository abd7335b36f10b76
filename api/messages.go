package api

// Message is a typed frame body.
type Message interface {
	Kind() Kind
	encode(b []byte) []byte
	decode(d *decoder)
}

type ListClassesRequest struct{}

func (*ListClassesRequest) Kind() Kind              { return ReqListClasses }
func (*ListClassesRequest) encode(b []byte) []byte { return b }
func (*ListClassesRequest) decode(*decoder)        {}

// ProgressUpdate carries a percentage in [0,100] while a class listing runs.
type ProgressUpdate struct {
	Percent uint8
}

func (*ProgressUpdate) Kind() Kind { return Progress }

func (m *ProgressUpdate) encode(b []byte) []byte {
	return append(b, m.Percent)
}

func (m *ProgressUpdate) decode(d *decoder) {
	m.Percent = d.u8()
	if d.err == nil && m.Percent > 100 {
		d.err = errBadPercent
	}
}

type ClassesResult struct {
	Classes []LoadedClass
}

func (*ClassesResult) Kind() Kind { return ResultClasses }

func (m *ClassesResult) encode(b []byte) []byte {
	b = putUint32(b, uint32(len(m.Classes)))
	for _, c := range m.Classes {
		b = putString(b, c.LoaderID)
		b = putString(b, c.Name)
	}
	return b
}

func (m *ClassesResult) decode(d *decoder) {
	n := d.count(8)
	m.Classes = make([]LoadedClass, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		loader := d.str()
		name := d.str()
		m.Classes = append(m.Classes, LoadedClass{Name: name, LoaderID: loader})
	}
}

type ClassContentRequest struct {
	ClassName string
}

func (*ClassContentRequest) Kind() Kind { return ReqClassContent }

func (m *ClassContentRequest) encode(b []byte) []byte {
	return putString(b, m.ClassName)
}

func (m *ClassContentRequest) decode(d *decoder) {
	m.ClassName = d.str()
}

type ClassContentResult struct {
	Payload []byte
	Fields  []FieldDescriptor
}

func (*ClassContentResult) Kind() Kind { return ResultClassContent }

func (m *ClassContentResult) encode(b []byte) []byte {
	b = putBytes(b, m.Payload)
	b = putUint32(b, uint32(len(m.Fields)))
	for _, f := range m.Fields {
		b = putString(b, f.Name)
		b = putString(b, f.Type)
		b = putString(b, f.Value)
	}
	return b
}

func (m *ClassContentResult) decode(d *decoder) {
	m.Payload = d.blob()
	n := d.count(12)
	m.Fields = make([]FieldDescriptor, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		m.Fields = append(m.Fields, FieldDescriptor{
			Name:  d.str(),
			Type:  d.str(),
			Value: d.str(),
		})
	}
}

type EditFieldRequest struct {
	ClassName string
	FieldName string
	Value     string
}

func (*EditFieldRequest) Kind() Kind { return ReqEditField }

func (m *EditFieldRequest) encode(b []byte) []byte {
	b = putString(b, m.ClassName)
	b = putString(b, m.FieldName)
	return putString(b, m.Value)
}

func (m *EditFieldRequest) decode(d *decoder) {
	m.ClassName = d.str()
	m.FieldName = d.str()
	m.Value = d.str()
}

// EditResult reports a field write. Message is only meaningful when Success is false.
type EditResult struct {
	Success bool
	Message string
}

func (*EditResult) Kind() Kind { return ResultEdit }

func (m *EditResult) encode(b []byte) []byte {
	b = putBool(b, m.Success)
	if !m.Success {
		b = putString(b, m.Message)
	}
	return b
}

func (m *EditResult) decode(d *decoder) {
	m.Success = d.boolean()
	if !m.Success {
		m.Message = d.str()
	}
}

type ErrorMessage struct {
	Code    ErrorCode
	Message string
}

func (*ErrorMessage) Kind() Kind { return Error }

func (m *ErrorMessage) encode(b []byte) []byte {
	b = putUint16(b, uint16(m.Code))
	return putString(b, m.Message)
}

func (m *ErrorMessage) decode(d *decoder) {
	m.Code = ErrorCode(d.u16())
	m.Message = d.str()
}

// Err converts the message into a RemoteError.
func (m *ErrorMessage) Err() error {
	return &RemoteError{Code: m.Code, Message: m.Message}
}
