package agent

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/tnt2402/jvm-explorer/api"
)

// Registry is a Runtime over Go values. Each registered struct plays the role
// of a class; its fields, exported or not, are the class's fields.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*registered
}

type registered struct {
	class api.LoadedClass
	value reflect.Value
}

func NewRegistry() *Registry {
	return &Registry{classes: map[string]*registered{}}
}

var _ Runtime = (*Registry)(nil)

// Register exposes the struct ptr points to under the dotted class name,
// attributed to loader.
func (r *Registry) Register(name, loader string, ptr any) error {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("register %s: want a non-nil pointer to a struct, got %T", name, ptr)
	}
	if name == "" {
		return fmt.Errorf("register: empty class name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[name]; ok {
		return fmt.Errorf("register %s: already registered", name)
	}
	r.classes[name] = &registered{
		class: api.LoadedClass{Name: name, LoaderID: loader},
		value: v.Elem(),
	}
	return nil
}

// RegisterValue registers ptr under the name derived from its type, with the
// module path as loader.
func (r *Registry) RegisterValue(ptr any) error {
	t := reflect.TypeOf(ptr)
	if t == nil || t.Kind() != reflect.Pointer {
		return fmt.Errorf("register: want a pointer, got %T", ptr)
	}
	return r.Register(ClassName(t.Elem()), loaderOf(t.Elem()), ptr)
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.classes, name)
	r.mu.Unlock()
}

// ClassName renders a Go type as a dotted class name, e.g.
// example.com/app/config.Settings becomes example.com.app.config.Settings.
func ClassName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.Name()
	}
	return strings.ReplaceAll(t.PkgPath(), "/", ".") + "." + t.Name()
}

func loaderOf(t reflect.Type) string {
	pkg := t.PkgPath()
	if i := strings.IndexByte(pkg, '/'); i >= 0 {
		if j := strings.IndexByte(pkg[i+1:], '/'); j >= 0 {
			return pkg[:i+1+j]
		}
	}
	return pkg
}

func (r *Registry) Classes() []api.LoadedClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.LoadedClass, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c.class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Content(className string) (*api.ClassContent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[className]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrClassNotFound, className)
	}

	t := c.value.Type()
	content := &api.ClassContent{
		Owner:   c.class,
		Payload: []byte(declaration(c.class.Name, t)),
		Fields:  make([]api.FieldDescriptor, 0, t.NumField()),
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		content.Fields = append(content.Fields, api.FieldDescriptor{
			Name:  f.Name,
			Type:  f.Type.String(),
			Value: formatValue(access(c.value.Field(i))),
		})
	}
	return content, nil
}

func (r *Registry) SetField(className, fieldName, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[className]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrClassNotFound, className)
	}

	t := c.value.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name != fieldName {
			continue
		}
		if f.Name == "_" {
			break
		}
		parsed, err := parseValue(f.Type, value)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", className, fieldName, err)
		}
		access(c.value.Field(i)).Set(parsed)
		return nil
	}
	return fmt.Errorf("%w: %s.%s", api.ErrFieldNotFound, className, fieldName)
}

// access returns a settable view of an addressable struct field, including
// unexported ones.
func access(v reflect.Value) reflect.Value {
	if v.CanSet() {
		return v
	}
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem()
}

// declaration renders the struct's Go declaration; it is the opaque payload
// of the class content.
func declaration(className string, t reflect.Type) string {
	var b strings.Builder
	if pkg := t.PkgPath(); pkg != "" {
		fmt.Fprintf(&b, "// package %s\n", pkg)
	}
	fmt.Fprintf(&b, "// class %s\n", className)
	name := t.Name()
	if name == "" {
		name = "_"
	}
	fmt.Fprintf(&b, "type %s struct {\n", name)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous {
			fmt.Fprintf(&b, "\t%s", f.Type)
		} else {
			fmt.Fprintf(&b, "\t%s %s", f.Name, f.Type)
		}
		if f.Tag != "" {
			fmt.Fprintf(&b, " `%s`", f.Tag)
		}
		b.WriteByte('\n')
	}
	b.WriteString("}\n")
	return b.String()
}
