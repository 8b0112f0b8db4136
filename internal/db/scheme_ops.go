package db

import (
	"context"
	"fmt"
	"sort"
	"time"
)

func nowMicro() int64 {
	return time.Now().UnixMicro()
}

// Transform prepares d for action in place and returns it. Unknown keys,
// full-text keys, ReadOnly keys outside protected actions and raw file
// payloads are dropped. Defaults and time stamps are filled in, then every
// remaining key is passed through its field transform; rejected keys are
// dropped. Nulls survive updates, where they clear the field.
func (s *Scheme) Transform(d Dict, a TransformAction) Dict {
	if d == nil {
		d = Dict{}
	}
	for key, v := range d {
		v = Normalize(v)
		d[key] = v
		f := s.fields[key]
		switch {
		case f == nil, f.typ == TypeFullTextView:
			delete(d, key)
		case f.HasFlag(ReadOnly) && !a.isProtected():
			delete(d, key)
		case f.IsFile() && v != nil && (!a.isProtected() || !isInteger(v)):
			delete(d, key)
		}
	}

	now := nowMicro()
	for _, name := range s.names {
		f := s.fields[name]
		_, has := d[name]
		switch {
		case a.isCreate():
			if has {
				continue
			}
			if f.HasFlag(AutoMTime) || f.HasFlag(AutoCTime) {
				d[name] = now
			} else if f.HasDefault() {
				if def := f.GetDefault(d); def != nil {
					d[name] = def
				}
			}
		case a.isUpdate():
			if f.HasFlag(AutoMTime) && ((len(d) > 0 && !has) || a == TransformTouch) {
				d[name] = now
			}
		}
	}

	isCreate := a.isCreate()
	for _, key := range sortedKeys(d) {
		v := d[key]
		if v == nil && a.isUpdate() {
			continue
		}
		if !s.fields[key].transformField(s, d, &v, isCreate) {
			delete(d, key)
			continue
		}
		d[key] = v
	}
	return d
}

func (s *Scheme) stampUser(t *Transaction, d Dict) {
	if t.user == 0 {
		return
	}
	for _, name := range s.names {
		f := s.fields[name]
		if !f.HasFlag(AutoUser) || (f.typ != TypeInteger && f.typ != TypeObject) {
			continue
		}
		if _, has := d[name]; !has {
			d[name] = t.user
		}
	}
}

// hasRequired reports whether d, or the raw input for file fields, has a
// value for required field f.
func hasRequired(f *Field, d, input Dict) bool {
	if d[f.name] != nil {
		return true
	}
	return f.IsFile() && input[f.name] != nil
}

func (s *Scheme) selectWithWorker(ctx context.Context, w *Worker, q *Query) ([]Dict, error) {
	return w.t.Select(ctx, w, q)
}

func (s *Scheme) countWithWorker(ctx context.Context, w *Worker, q *Query) (int64, error) {
	return w.t.Count(ctx, w, q)
}

// createWithWorker validates and stores objs. With single set, a missing
// required value fails the call; in a batch the offending entry is nil in
// the result.
func (s *Scheme) createWithWorker(ctx context.Context, w *Worker, objs []Dict, protected, single bool) ([]Dict, error) {
	action := TransformCreate
	if protected {
		action = TransformProtectedCreate
	}

	changes := make([]Dict, len(objs))
	for i, obj := range objs {
		if obj == nil {
			continue
		}
		d := s.Transform(Normalize(obj).(Dict), action)
		s.stampUser(w.t, d)
		s.processFullTextFields(d, nil)
		changes[i] = d
	}

	for _, name := range s.names {
		f := s.fields[name]
		if !f.HasFlag(Required) {
			continue
		}
		for i, d := range changes {
			if d == nil || hasRequired(f, d, objs[i]) {
				continue
			}
			if single {
				return nil, validationError(s, name, "No value for required field")
			}
			changes[i] = nil
		}
	}

	ret := make([]Dict, len(objs))
	err := w.Perform(ctx, func(ctx context.Context) error {
		var filePatches []Dict
		batch := make([]Dict, 0, len(changes))
		index := make([]int, 0, len(changes))
		for i, d := range changes {
			if d == nil {
				continue
			}
			if err := s.createNested(ctx, w.t, d); err != nil {
				s.purgeFilePatches(ctx, w.t, filePatches)
				return err
			}
			patch, err := s.createFilePatch(ctx, w.t, objs[i], d)
			if patch != nil {
				filePatches = append(filePatches, patch)
			}
			if err != nil {
				s.purgeFilePatches(ctx, w.t, filePatches)
				return err
			}
			batch = append(batch, d)
			index = append(index, i)
		}
		if len(batch) == 0 {
			return nil
		}

		created, err := w.t.Create(ctx, w, batch)
		if err != nil {
			s.purgeFilePatches(ctx, w.t, filePatches)
			return err
		}
		for i, obj := range created {
			if obj == nil {
				continue
			}
			stored := Clone(batch[i]).(Dict)
			for k, v := range obj {
				stored[k] = v
			}
			if err := s.touchParents(ctx, w.t, stored); err != nil {
				return err
			}
			for _, vs := range s.views {
				if err := s.updateView(ctx, w.t, stored, vs, nil); err != nil {
					return err
				}
			}
			ret[index[i]] = obj
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// createNested creates foreign objects given inline for Object and Set
// fields and substitutes their ids.
func (s *Scheme) createNested(ctx context.Context, t *Transaction, d Dict) error {
	for _, key := range sortedKeys(d) {
		f := s.fields[key]
		if f == nil || f.foreign == nil {
			continue
		}
		switch f.typ {
		case TypeObject:
			nested, ok := d[key].(Dict)
			if !ok {
				continue
			}
			id, err := createForeign(ctx, t, f.foreign, nested)
			if err != nil {
				return err
			}
			d[key] = id
		case TypeSet:
			arr, ok := d[key].([]any)
			if !ok {
				continue
			}
			out := make([]any, 0, len(arr))
			for _, it := range arr {
				nested, ok := it.(Dict)
				if !ok {
					out = append(out, it)
					continue
				}
				id, err := createForeign(ctx, t, f.foreign, nested)
				if err != nil {
					return err
				}
				out = append(out, id)
			}
			d[key] = out
		}
	}
	return nil
}

func createForeign(ctx context.Context, t *Transaction, s *Scheme, obj Dict) (int64, error) {
	if id := GetInt(obj, OidField); id != 0 {
		return id, nil
	}
	ret, err := NewWorker(s, t).Create(ctx, obj, UpdateNone)
	if err != nil {
		return 0, err
	}
	if ret == nil {
		return 0, validationError(s, "", "Failed to create nested object")
	}
	return GetInt(ret, OidField), nil
}

func (s *Scheme) prepareUpdate(patch Dict, protected bool) (Dict, error) {
	if patch == nil {
		return nil, validationError(s, "", "Invalid changeset data for object")
	}
	action := TransformUpdate
	if protected {
		action = TransformProtectedUpdate
	}
	changes := s.Transform(Normalize(patch).(Dict), action)
	for _, key := range sortedKeys(changes) {
		if changes[key] == nil && s.fields[key].HasFlag(Required) {
			return nil, validationError(s, key, "Value for required field can not be removed")
		}
	}
	return changes, nil
}

// updateWithWorker applies patch to obj, an oid or an object Dict. An object
// that does not exist or fails the worker conditions yields nil.
func (s *Scheme) updateWithWorker(ctx context.Context, w *Worker, obj Value, patch Dict, protected bool) (Dict, error) {
	oid, ok := oidFor(obj)
	if !ok {
		return nil, validationError(s, "", "Invalid data for object")
	}
	current, _ := obj.(Dict)

	changes, err := s.prepareUpdate(patch, protected)
	if err != nil {
		return nil, err
	}

	var ret Dict
	err = w.Perform(ctx, func(ctx context.Context) error {
		if err := s.createNested(ctx, w.t, changes); err != nil {
			return err
		}
		filePatch, err := s.createFilePatch(ctx, w.t, patch, changes)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return validationError(s, "", fmt.Sprintf("Empty changeset for id %d", oid))
		}
		ret, err = s.patchOrUpdate(ctx, w, oid, current, changes)
		if err != nil || ret == nil {
			s.purgeFilePatches(ctx, w.t, []Dict{filePatch})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// saveForcesUpdate reports whether a save hook without a patch hook applies
// to the acting role, which rules out atomic patches.
func (s *Scheme) saveForcesUpdate(t *Transaction) bool {
	for _, r := range t.rolesFor(s) {
		if r.OnSave != nil && r.OnPatch == nil {
			return true
		}
	}
	return false
}

func (s *Scheme) isObjectValid(obj, patch Dict) bool {
	for key := range patch {
		if _, ok := obj[key]; !ok {
			return false
		}
	}
	for f := range s.forceInclude {
		if _, ok := obj[f.name]; !ok {
			return false
		}
	}
	return true
}

// patchOrUpdate issues a single backend patch when the changeset allows it,
// and a read-merge-save otherwise. obj is the caller's copy of the object,
// or nil.
func (s *Scheme) patchOrUpdate(ctx context.Context, w *Worker, oid int64, obj Dict, patch Dict) (Dict, error) {
	if len(patch) == 0 {
		return nil, nil
	}
	var ret Dict
	err := w.Perform(ctx, func(ctx context.Context) error {
		var err error
		if s.IsAtomicPatch(patch) && !s.saveForcesUpdate(w.t) {
			ret, err = s.doPatch(ctx, w, oid, patch)
			return err
		}
		if obj != nil && s.isObjectValid(obj, patch) {
			ret, err = s.updateObject(ctx, w, Clone(obj).(Dict), patch)
			return err
		}
		full, err := s.makeObjectForPatch(ctx, w.t, oid, obj, patch)
		if err != nil || full == nil {
			return err
		}
		w.t.SetObject(s, oid, Clone(full).(Dict))
		ret, err = s.updateObject(ctx, w, full, patch)
		return err
	})
	return ret, err
}

func (s *Scheme) doPatch(ctx context.Context, w *Worker, oid int64, patch Dict) (Dict, error) {
	ret, err := w.t.Patch(ctx, w, oid, patch)
	if err != nil || ret == nil {
		return nil, err
	}
	if err := s.touchParents(ctx, w.t, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// makeObjectForPatch reads the fields an update needs: those the patch
// names, the force-included ones, and the sources of affected full-text
// views. Values already in obj are kept.
func (s *Scheme) makeObjectForPatch(ctx context.Context, t *Transaction, oid int64, obj Dict, patch Dict) (Dict, error) {
	include := make(map[string]struct{})
	for key := range patch {
		if s.fields[key] != nil {
			if _, ok := obj[key]; !ok {
				include[key] = struct{}{}
			}
		}
	}
	for f := range s.forceInclude {
		if _, ok := obj[f.name]; !ok {
			include[f.name] = struct{}{}
		}
	}
	for f := range s.fullTextFields {
		for _, req := range f.requires {
			if _, ok := patch[req]; !ok {
				continue
			}
			for _, name := range f.requires {
				if s.fields[name] != nil {
					include[name] = struct{}{}
				}
			}
			break
		}
	}

	names := make([]string, 0, len(include))
	for name := range include {
		names = append(names, name)
	}
	sort.Strings(names)

	q := NewQuery().SelectID(oid).ForUpdate()
	if len(names) > 0 {
		q.IncludeNames(names...)
	}
	rows, err := NewWorker(s, t).AsSystem().Select(ctx, q, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	ret := rows[0]
	for _, name := range names {
		f := s.fields[name]
		if f.typ != TypeArray && f.typ != TypeSet {
			continue
		}
		if _, ok := ret[name]; ok {
			continue
		}
		v, err := t.Field(ctx, ActionGet, NewWorker(s, t).AsSystem(), oid, f, nil)
		if err != nil {
			return nil, err
		}
		if v != nil {
			ret[name] = v
		}
	}
	for k, v := range obj {
		if _, ok := ret[k]; !ok {
			ret[k] = v
		}
	}
	return ret, nil
}

type pendingView struct {
	view *ViewScheme
	orig []int64
}

// updateObject merges changes into obj, saves it, and maintains parents and
// views affected by the change.
func (s *Scheme) updateObject(ctx context.Context, w *Worker, obj Dict, changes Dict) (Dict, error) {
	oid := GetInt(obj, OidField)

	var parents map[int64]*Scheme
	if len(s.parents) > 0 {
		parents = make(map[int64]*Scheme)
		if err := s.extractParents(ctx, w.t, parents, obj, false); err != nil {
			return nil, err
		}
		if err := s.extractParents(ctx, w.t, parents, changes, true); err != nil {
			return nil, err
		}
	}

	var fields []*Field
	var views []pendingView
	seen := make(map[*ViewScheme]struct{})
	for _, key := range sortedKeys(changes) {
		f := s.fields[key]
		if f == nil {
			continue
		}
		v := changes[key]
		if f.replaceFilter != nil && !f.replaceFilter(s, obj, obj[key], &v) {
			continue
		}
		changes[key] = v
		fields = append(fields, f)

		_, forced := s.forceInclude[f]
		_, autoReq := s.autoFieldReq[f]
		if !forced && !autoReq {
			continue
		}
		for _, vs := range s.views {
			if _, ok := vs.Fields[f]; !ok {
				continue
			}
			if _, ok := seen[vs]; !ok {
				seen[vs] = struct{}{}
				views = append(views, pendingView{view: vs})
			}
		}
	}

	for i := range views {
		views[i].orig = s.viewMembership(obj, views[i].view)
	}

	updated := make([]string, 0, len(fields))
	for _, f := range fields {
		v := changes[f.name]
		if v != nil {
			if cur := obj[f.name]; cur != nil {
				obj[f.name] = s.mergeValues(f, obj, cur, v)
			} else {
				obj[f.name] = v
			}
		} else {
			delete(obj, f.name)
		}
		updated = append(updated, f.name)
	}
	s.processFullTextFields(obj, &updated)

	ret, err := w.t.Save(ctx, w, oid, obj, updated)
	if err != nil || ret == nil {
		return nil, err
	}

	ids := make([]int64, 0, len(parents))
	for id := range parents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := NewWorker(parents[id], w.t).AsSystem().Touch(ctx, id); err != nil {
			return nil, err
		}
	}
	for _, it := range views {
		if err := s.updateView(ctx, w.t, obj, it.view, it.orig); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// mergeValues combines a stored value with its replacement. Extra fields
// merge per sub-key, each subject to its replace filter; other values are
// replaced outright.
func (s *Scheme) mergeValues(f *Field, obj Dict, original, newVal Value) Value {
	if f.typ != TypeExtra {
		return newVal
	}
	switch nv := newVal.(type) {
	case Dict:
		od, ok := original.(Dict)
		if !ok {
			return newVal
		}
		for _, key := range sortedKeys(nv) {
			sub := f.fields[key]
			if sub == nil {
				continue
			}
			val := od[key]
			next := nv[key]
			if sub.replaceFilter != nil && !sub.replaceFilter(s, obj, val, &next) {
				continue
			}
			switch {
			case next == nil:
				delete(od, key)
			case val != nil:
				od[key] = s.mergeValues(sub, obj, val, next)
			default:
				od[key] = next
			}
		}
		return od
	case []any:
		if f.transform == TransformArray {
			return nv
		}
	}
	return original
}

func (s *Scheme) touchWithWorker(ctx context.Context, w *Worker, obj Value) error {
	oid, ok := oidFor(obj)
	if !ok {
		return validationError(s, "", "Invalid data for object")
	}
	patch := s.Transform(Dict{}, TransformTouch)
	current, _ := obj.(Dict)
	_, err := s.patchOrUpdate(ctx, w, oid, current, patch)
	return err
}

// removeWithWorker deletes an object. The object is read first only when
// parents must be touched or auto fields rescheduled.
func (s *Scheme) removeWithWorker(ctx context.Context, w *Worker, obj Value) (bool, error) {
	oid, ok := oidFor(obj)
	if !ok {
		return false, nil
	}
	hasAuto := false
	for _, vs := range s.views {
		if vs.AutoField != nil {
			hasAuto = true
			break
		}
	}

	var removed bool
	err := w.Perform(ctx, func(ctx context.Context) error {
		if len(s.parents) > 0 || hasAuto {
			q := NewQuery().SelectID(oid).ForUpdate()
			var refs []string
			for _, p := range s.parents {
				if p.BackReference != nil {
					refs = append(refs, p.BackReference.name)
				}
			}
			if len(refs) > 0 {
				q.IncludeNames(refs...)
			}
			rows, err := NewWorker(s, w.t).AsSystem().Select(ctx, q, 0)
			if err != nil || len(rows) == 0 {
				return err
			}
			current := rows[0]
			if err := s.touchParents(ctx, w.t, current); err != nil {
				return err
			}
			for _, vs := range s.views {
				if vs.AutoField == nil {
					continue
				}
				for _, id := range s.getLinkageForView(current, vs) {
					w.t.scheduleAutoField(vs.Scheme, vs.ViewField, id)
				}
			}
		}
		var err error
		removed, err = w.t.Remove(ctx, w, oid)
		return err
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// fieldWithWorker runs a single-field action.
func (s *Scheme) fieldWithWorker(ctx context.Context, a Action, w *Worker, obj Value, f *Field, v Value) (Value, error) {
	target := obj
	if _, ok := obj.(Dict); !ok {
		oid, ok := oidFor(obj)
		if !ok {
			return nil, validationError(s, f.name, "Invalid data for object")
		}
		target = oid
	}

	switch a {
	case ActionGet, ActionCount:
		return w.t.Field(ctx, a, w, target, f, v)
	case ActionSet, ActionAppend:
		if !f.transformField(s, Dict{}, &v, false) {
			return nil, nil
		}
		var ret Value
		err := w.Perform(ctx, func(ctx context.Context) error {
			var err error
			ret, err = w.t.Field(ctx, a, w, target, f, v)
			return err
		})
		return ret, err
	case ActionRemove:
		var ret Value
		err := w.Perform(ctx, func(ctx context.Context) error {
			var fileID int64
			if f.IsFile() {
				cur, err := w.t.Field(ctx, ActionGet, NewWorker(s, w.t).AsSystem(), target, f, nil)
				if err != nil {
					return err
				}
				fileID = ObjectID(cur)
			}
			var err error
			ret, err = w.t.Field(ctx, a, w, target, f, v)
			if err != nil {
				return err
			}
			if fileID != 0 && asBool(ret) {
				return purgeFile(ctx, w.t, fileID)
			}
			return nil
		})
		return ret, err
	}
	return nil, nil
}

// setFileWithWorker stores file into field f of object oid and returns the
// stored file record.
func (s *Scheme) setFileWithWorker(ctx context.Context, w *Worker, oid int64, f *Field, file *InputFile) (Value, error) {
	var ret Value
	err := w.Perform(ctx, func(ctx context.Context) error {
		patch := Dict{}
		d, err := createFile(ctx, w.t, f, file)
		if err != nil {
			return err
		}
		switch v := d.(type) {
		case int64:
			patch[f.name] = v
		case Dict:
			for k, id := range v {
				patch[k] = id
			}
		}
		s.Transform(patch, TransformProtectedUpdate)
		updated, err := s.patchOrUpdate(ctx, w, oid, nil, patch)
		if err != nil || updated == nil {
			s.purgeFilePatches(ctx, w.t, []Dict{patch})
			return err
		}
		ret, err = FileData(ctx, w.t, GetInt(patch, f.name))
		return err
	})
	return ret, err
}

// processFullTextFields recomputes full-text views whose sources appear in
// patch. With updated set, only those keys count, and recomputed views are
// appended to it.
func (s *Scheme) processFullTextFields(patch Dict, updated *[]string) {
	for _, name := range s.names {
		f := s.fields[name]
		if f.typ != TypeFullTextView || f.fullTextView == nil {
			continue
		}
		touched := false
		for _, req := range f.requires {
			if _, ok := patch[req]; !ok {
				continue
			}
			if updated != nil && !containsString(*updated, req) {
				continue
			}
			touched = true
			break
		}
		if !touched {
			continue
		}
		data := f.fullTextView(s, patch)
		if len(data) == 0 {
			continue
		}
		out := make([]any, 0, len(data))
		for _, it := range data {
			out = append(out, Dict{
				"buffer":   it.Buffer,
				"language": it.Language,
				"rank":     int64(it.Rank),
			})
		}
		patch[name] = out
		if updated != nil {
			*updated = append(*updated, name)
		}
	}
}

func containsString(vec []string, s string) bool {
	for _, it := range vec {
		if it == s {
			return true
		}
	}
	return false
}

// touchParents refreshes the modification time of parents composing obj.
func (s *Scheme) touchParents(ctx context.Context, t *Transaction, obj Dict) error {
	if len(s.parents) == 0 {
		return nil
	}
	parents := make(map[int64]*Scheme)
	if err := s.extractParents(ctx, t, parents, obj, false); err != nil {
		return err
	}
	ids := make([]int64, 0, len(parents))
	for id := range parents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := NewWorker(parents[id], t).AsSystem().Touch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheme) extractParents(ctx context.Context, t *Transaction, out map[int64]*Scheme, obj Dict, isChangeSet bool) error {
	oid := GetInt(obj, OidField)
	for _, p := range s.parents {
		if p.BackReference != nil {
			if id := ObjectID(Normalize(obj[p.BackReference.name])); id != 0 {
				out[id] = p.Scheme
			}
			continue
		}
		if isChangeSet || oid == 0 {
			continue
		}
		ids, err := t.ReferenceParents(ctx, s, oid, p.Scheme, p.PointerField)
		if err != nil {
			return err
		}
		for _, id := range ids {
			out[id] = p.Scheme
		}
	}
	return nil
}

// getLinkageForView returns the ids of view owners obj links to: the
// autolink field first, then the auto field linkage (or the object itself
// for same-scheme auto fields), then the view linkage function.
func (s *Scheme) getLinkageForView(obj Dict, vs *ViewScheme) []int64 {
	switch {
	case vs.AutoLink != nil:
		if id := ObjectID(Normalize(obj[vs.AutoLink.name])); id != 0 {
			return []int64{id}
		}
		return nil
	case vs.AutoField != nil:
		if vs.AutoField.Linkage != nil {
			return vs.AutoField.Linkage(vs.Scheme, s, obj)
		}
		if vs.AutoField.scheme == s {
			if id := GetInt(obj, OidField); id != 0 {
				return []int64{id}
			}
		}
		return nil
	}
	if vs.ViewField.viewLinkage != nil {
		return vs.ViewField.viewLinkage(vs.Scheme, s, obj)
	}
	return nil
}

// viewMembership returns the owners whose view should contain obj. For
// auto fields this is the plain linkage. A view without a filter accepts
// every object.
func (s *Scheme) viewMembership(obj Dict, vs *ViewScheme) []int64 {
	if vs.AutoField == nil {
		view := vs.ViewField
		if view.typ != TypeView {
			return nil
		}
		if view.viewFn != nil && !view.viewFn(s, obj) {
			return nil
		}
	}
	return s.getLinkageForView(obj, vs)
}

// updateView moves obj between view memberships. orig is the membership
// before the change. Only the difference is written: owners in orig but no
// longer linked lose obj, new owners gain it. Auto fields are scheduled for
// every owner on either side.
func (s *Scheme) updateView(ctx context.Context, t *Transaction, obj Dict, vs *ViewScheme, orig []int64) error {
	ids := s.viewMembership(obj, vs)

	if vs.AutoField != nil {
		for _, id := range orig {
			t.scheduleAutoField(vs.Scheme, vs.ViewField, id)
		}
		for _, id := range ids {
			t.scheduleAutoField(vs.Scheme, vs.ViewField, id)
		}
		return nil
	}
	if vs.ViewField.typ != TypeView {
		return nil
	}

	oid := GetInt(obj, OidField)
	prev := int64Set(orig)
	next := int64Set(ids)

	var removed []int64
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	var added []int64
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	if len(removed) == 0 && len(added) == 0 {
		return nil
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })

	prevRole := t.role
	t.role = RoleSystem
	defer func() { t.role = prevRole }()

	if len(removed) > 0 {
		if err := t.removeFromView(ctx, vs.Scheme, vs.ViewField, oid, removed); err != nil {
			return err
		}
	}
	for _, id := range added {
		data := Dict{s.name + "_id": oid}
		if vs.Scheme != s {
			data[vs.Scheme.name+"_id"] = id
		}
		if err := t.addToView(ctx, vs.Scheme, vs.ViewField, id, data); err != nil {
			return err
		}
	}
	return nil
}
