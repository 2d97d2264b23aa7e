// Package mapper evaluates declarative, bidirectional field mappings between a
// connector's raw payloads and canonical cdm.Resources.
//
// A Descriptor is a table of small pure transforms keyed by canonical field
// name. Reads resolve one or more raw paths through the path accessor and
// apply the field's transform; writes run the inverse transform and place the
// result at a raw path. Field projections never see each other's output, only
// the raw input, so evaluation order does not matter.
package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/core/path"
)

// Transform is a pure, total function. It must accept nil.
type Transform func(v any) any

// Read projects raw -> canonical. With one path Fn receives that value; with
// several paths Fn receives a []any in path order.
type Read struct {
	Paths []string
	Fn    Transform

	segs [][]string
}

// Write projects canonical -> raw. When Path is "*" the transform must return
// a map whose entries are merged into the raw patch, which lets one canonical
// field fan out to several raw attributes.
type Write struct {
	Path string
	Fn   Transform
}

// Field is the mapping of one canonical field.
type Field struct {
	Read  *Read
	Write *Write

	// CreateOnly fields are accepted by Create and rejected by Update.
	CreateOnly bool
}

// Child declares resources derived from an array inside the parent payload,
// such as invoice line items. Child ids are composite: parentId::childId.
type Child struct {
	Path       string
	Descriptor *Descriptor

	// ParentField, when set, receives a ref to the parent resource.
	ParentField string
}

// Descriptor maps one canonical model for one connector.
type Descriptor struct {
	Model     cdm.Model
	ID        *Read
	CreatedAt *Read
	UpdatedAt *Read
	Fields    map[string]Field
	Children  []Child
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// From reads a single raw path.
func From(p string, fn Transform) *Read {
	return &Read{Paths: []string{p}, Fn: fn}
}

// FromAll reads several raw paths; fn receives []any.
func FromAll(fn Transform, paths ...string) *Read {
	return &Read{Paths: paths, Fn: fn}
}

// Whole hands the entire raw object to fn.
func Whole(fn Transform) *Read {
	return &Read{Paths: []string{path.Wildcard}, Fn: fn}
}

// None declares a projection that is always absent.
func None() *Read {
	return Whole(func(any) any { return nil })
}

// To writes a single raw path.
func To(p string, fn Transform) *Write {
	return &Write{Path: p, Fn: fn}
}

// Spread writes a map of raw attributes produced by fn.
func Spread(fn Transform) *Write {
	return &Write{Path: path.Wildcard, Fn: fn}
}

// Both declares a field readable and writable at the same raw path.
func Both(p string, read, write Transform) Field {
	return Field{Read: From(p, read), Write: To(p, write)}
}

// ReadOnly declares a field with no write projection.
func ReadOnly(r *Read) Field {
	return Field{Read: r}
}

// OnCreate restricts f's write projection to creates.
func OnCreate(f Field) Field {
	f.CreateOnly = true
	return f
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the descriptor against the model schema and pre-parses
// every path. It runs once, at connector registration.
func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("nil descriptor")
	}
	if !d.Model.Valid() {
		return fmt.Errorf("descriptor: unknown model %q", d.Model)
	}
	if d.ID == nil {
		return fmt.Errorf("descriptor %s: id projection is required", d.Model)
	}
	if d.CreatedAt == nil || d.UpdatedAt == nil {
		return fmt.Errorf("descriptor %s: createdAt and updatedAt projections are required", d.Model)
	}
	for _, r := range []*Read{d.ID, d.CreatedAt, d.UpdatedAt} {
		if err := r.compile(); err != nil {
			return fmt.Errorf("descriptor %s: %w", d.Model, err)
		}
	}
	for name, f := range d.Fields {
		if _, ok := cdm.Field(d.Model, name); !ok {
			return fmt.Errorf("descriptor %s: field %q is not declared by the model", d.Model, name)
		}
		if f.Read == nil {
			return fmt.Errorf("descriptor %s: field %q has no read projection", d.Model, name)
		}
		if err := f.Read.compile(); err != nil {
			return fmt.Errorf("descriptor %s.%s: %w", d.Model, name, err)
		}
		if f.Write != nil {
			if _, err := path.Parse(f.Write.Path); err != nil {
				return fmt.Errorf("descriptor %s.%s write: %w", d.Model, name, err)
			}
		}
	}
	for _, c := range d.Children {
		if _, err := path.Parse(c.Path); err != nil {
			return fmt.Errorf("descriptor %s child: %w", d.Model, err)
		}
		if err := c.Descriptor.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Read) compile() error {
	if len(r.Paths) == 0 {
		return fmt.Errorf("read projection has no paths")
	}
	if r.segs != nil {
		return nil
	}
	segs := make([][]string, len(r.Paths))
	for i, p := range r.Paths {
		s, err := path.Parse(p)
		if err != nil {
			return err
		}
		segs[i] = s
	}
	r.segs = segs
	return nil
}

// =============================================================================
// READ DIRECTION
// =============================================================================

// ProjectRead maps one raw payload to a canonical resource. Fields whose
// projection yields nil are omitted.
func ProjectRead(d *Descriptor, raw map[string]any) (res *cdm.Resource, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, core.Errorf(core.CodeMapperFailed, "%s projection panicked: %v", d.Model, r)
		}
	}()

	id := toString(d.ID.eval(raw))
	if id == "" {
		return nil, core.Errorf(core.CodeMapperFailed, "%s payload has no id", d.Model)
	}

	res = &cdm.Resource{
		ID:        id,
		Model:     d.Model,
		Fields:    make(map[string]any, len(d.Fields)),
		CreatedAt: timePtr(d.CreatedAt.eval(raw)),
		UpdatedAt: timePtr(d.UpdatedAt.eval(raw)),
		Raw:       raw,
	}
	for _, name := range sortedFields(d.Fields) {
		if v := d.Fields[name].Read.eval(raw); !isAbsent(v) {
			res.Fields[name] = v
		}
	}
	return res, nil
}

// ProjectChildren emits the derived resources declared by c for one parent.
func ProjectChildren(c Child, parent *cdm.Resource, raw map[string]any) ([]*cdm.Resource, error) {
	v := path.Value(raw, c.Path)
	items, _ := v.([]any)
	out := make([]*cdm.Resource, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			return nil, core.Errorf(core.CodeMapperFailed, "%s child of %s is %T", c.Descriptor.Model, parent.ID, it)
		}
		child, err := ProjectRead(c.Descriptor, obj)
		if err != nil {
			return nil, err
		}
		child.ID = cdm.CompositeID(parent.ID, child.ID)
		if c.ParentField != "" {
			child.Fields[c.ParentField] = parent.Ref()
		}
		out = append(out, child)
	}
	return out, nil
}

// ChildFor returns the child declaration producing model m.
func (d *Descriptor) ChildFor(m cdm.Model) (Child, bool) {
	for _, c := range d.Children {
		if c.Descriptor.Model == m {
			return c, true
		}
	}
	return Child{}, false
}

// Eval applies the projection to one raw object.
func (r *Read) Eval(raw map[string]any) any {
	return r.eval(raw)
}

func (r *Read) eval(raw map[string]any) any {
	segs := r.segs
	if segs == nil {
		// Unvalidated descriptor: parse without caching.
		for _, p := range r.Paths {
			segs = append(segs, path.MustParse(p))
		}
	}
	var in any
	if len(segs) == 1 {
		in, _ = path.GetSegments(raw, segs[0])
	} else {
		vals := make([]any, len(segs))
		for i, s := range segs {
			vals[i], _ = path.GetSegments(raw, s)
		}
		in = vals
	}
	if r.Fn == nil {
		return in
	}
	return r.Fn(in)
}

// =============================================================================
// WRITE DIRECTION
// =============================================================================

// Writable reports whether the named field has a write projection.
func (d *Descriptor) Writable(name string) bool {
	f, ok := d.Fields[name]
	return ok && f.Write != nil
}

// Updatable reports whether the named field can be written by an update.
func (d *Descriptor) Updatable(name string) bool {
	return d.Writable(name) && !d.Fields[name].CreateOnly
}

// CheckWritable fails with FIELD_NOT_WRITABLE naming every key in patch that
// is unknown or has no write projection.
func CheckWritable(d *Descriptor, patch map[string]any) error {
	if bad := rejected(patch, d.Writable); len(bad) > 0 {
		return core.Errorf(core.CodeFieldNotWritable, "%s fields not writable: %s", d.Model, strings.Join(bad, ", "))
	}
	return nil
}

// CheckUpdatable is CheckWritable for updates: create-only fields are
// rejected as well.
func CheckUpdatable(d *Descriptor, patch map[string]any) error {
	if err := CheckWritable(d, patch); err != nil {
		return err
	}
	if bad := rejected(patch, d.Updatable); len(bad) > 0 {
		return core.Errorf(core.CodeFieldNotWritable, "%s fields only writable on create: %s", d.Model, strings.Join(bad, ", "))
	}
	return nil
}

func rejected(patch map[string]any, ok func(string) bool) []string {
	var bad []string
	for k := range patch {
		if !ok(k) {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

// ProjectWrite maps a canonical create patch to a raw body. Nothing is
// produced if any field in the patch is not writable.
func ProjectWrite(d *Descriptor, patch map[string]any) (map[string]any, error) {
	if err := CheckWritable(d, patch); err != nil {
		return nil, err
	}
	return project(d, patch)
}

// ProjectUpdate maps a canonical update patch to a raw body. Create-only
// fields fail the whole patch.
func ProjectUpdate(d *Descriptor, patch map[string]any) (map[string]any, error) {
	if err := CheckUpdatable(d, patch); err != nil {
		return nil, err
	}
	return project(d, patch)
}

func project(d *Descriptor, patch map[string]any) (body map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, core.Errorf(core.CodeMapperFailed, "%s write projection panicked: %v", d.Model, r)
		}
	}()

	var out any = map[string]any{}
	for _, name := range sortedKeys(patch) {
		w := d.Fields[name].Write
		v := patch[name]
		if w.Fn != nil {
			v = w.Fn(v)
		}
		if w.Path == path.Wildcard {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, core.Errorf(core.CodeMapperFailed, "%s.%s spread write produced %T", d.Model, name, v)
			}
			for _, k := range sortedKeys(m) {
				if out, err = path.Set(out, k, m[k]); err != nil {
					return nil, core.Wrap(core.CodeMapperFailed, err, "%s.%s", d.Model, name)
				}
			}
			continue
		}
		if out, err = path.Set(out, w.Path, v); err != nil {
			return nil, core.Wrap(core.CodeMapperFailed, err, "%s.%s", d.Model, name)
		}
	}
	return out.(map[string]any), nil
}

func sortedFields(m map[string]Field) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isAbsent(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *cdm.ResourceRef:
		return t == nil
	case *time.Time:
		return t == nil
	}
	return false
}

func timePtr(v any) *time.Time {
	switch t := ToTime(v).(type) {
	case time.Time:
		return &t
	}
	return nil
}
