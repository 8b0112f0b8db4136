package db

import (
	"bytes"
	"context"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// FileSchemeName is the name of the built-in scheme holding file records.
const FileSchemeName = "__files"

// NewFileScheme builds the scheme holding file records. Every adapter
// owns its own copy.
func NewFileScheme() *Scheme {
	return NewScheme(FileSchemeName,
		Text("location", MaxLength(4096)),
		Text("type", MaxLength(256)),
		Integer("size"),
		Integer("mtime", AutoMTime),
		Extra("image", []*Field{
			Integer("width"),
			Integer("height"),
		}),
	)
}

func fileSchemeOf(t *Transaction) *Scheme {
	return t.adapter.Scheme(FileSchemeName)
}

// InputFile is an uploaded file waiting to be stored.
type InputFile struct {
	Name    string
	Type    string
	Content []byte
	MTime   int64
}

// FileStore keeps file content outside the database. Save returns the
// location recorded in the file row.
type FileStore interface {
	Save(ctx context.Context, name string, content []byte) (string, error)
	Remove(ctx context.Context, location string) error
}

func typeAllowed(allowed []string, typ string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, it := range allowed {
		if it == typ {
			return true
		}
		if prefix, ok := strings.CutSuffix(it, "/*"); ok && strings.HasPrefix(typ, prefix+"/") {
			return true
		}
	}
	return false
}

func validateFile(f *Field, file *InputFile) error {
	if int64(len(file.Content)) > f.maxSize {
		return validationError(f.owner, f.name, "File is too large")
	}
	if !typeAllowed(f.allowedTypes, file.Type) {
		return validationError(f.owner, f.name, "Invalid file type: "+file.Type)
	}
	if f.typ == TypeImage && !strings.HasPrefix(file.Type, "image/") {
		return validationError(f.owner, f.name, "Invalid image type: "+file.Type)
	}
	return nil
}

// storeFile writes content through the adapter's file store and records it
// in the file scheme.
func storeFile(ctx context.Context, t *Transaction, file *InputFile, img Dict) (int64, error) {
	store := t.adapter.fileStore
	if store == nil {
		return 0, &StorageError{Kind: BackendFailure, Scheme: FileSchemeName, Message: "no file store configured"}
	}
	loc, err := store.Save(ctx, file.Name, file.Content)
	if err != nil {
		return 0, backendError(fileSchemeOf(t), "failed to store file", err)
	}
	row := Dict{
		"location": loc,
		"type":     file.Type,
		"size":     int64(len(file.Content)),
	}
	if file.MTime != 0 {
		row["mtime"] = file.MTime
	}
	if img != nil {
		row["image"] = img
	}
	ret, err := NewWorker(fileSchemeOf(t), t).AsSystem().Create(ctx, row, UpdateProtected)
	if err != nil || ret == nil {
		if rmErr := store.Remove(ctx, loc); rmErr != nil {
			t.adapter.log.Warn("failed to remove orphan file", zap.String("location", loc), zap.Error(rmErr))
		}
		return 0, err
	}
	return GetInt(ret, OidField), nil
}

// createFile stores file for field f. Plain files yield the file id; images
// with thumbnails yield a Dict mapping each image field to its file id.
func createFile(ctx context.Context, t *Transaction, f *Field, file *InputFile) (Value, error) {
	if f.typ == TypeImage && (file.Type == "" || file.Type == "application/octet-stream") {
		file.Type = http.DetectContentType(file.Content)
	}
	if err := validateFile(f, file); err != nil {
		return nil, err
	}

	var img Dict
	if f.typ == TypeImage {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(file.Content)); err == nil {
			img = Dict{"width": int64(cfg.Width), "height": int64(cfg.Height)}
		}
	}
	id, err := storeFile(ctx, t, file, img)
	if err != nil {
		return nil, err
	}
	if f.typ != TypeImage || len(f.thumbnails) == 0 {
		return id, nil
	}

	// TODO: resize thumbnail content; thumbnails currently share the source bytes.
	ret := Dict{f.name: id}
	for _, th := range f.thumbnails {
		thumb := &InputFile{Name: th.Name + "_" + file.Name, Type: file.Type, Content: file.Content, MTime: file.MTime}
		tid, err := storeFile(ctx, t, thumb, Dict{"width": int64(th.Width), "height": int64(th.Height)})
		if err != nil {
			for _, v := range ret {
				if perr := purgeFile(ctx, t, ObjectID(v)); perr != nil {
					t.adapter.log.Warn("failed to purge file", zap.Error(perr))
				}
			}
			return nil, err
		}
		ret[th.Name] = tid
	}
	return ret, nil
}

// decodeFileContent accepts bytes, or a string that may carry a "base64:"
// or "hex:" prefix.
func decodeFileContent(v Value) ([]byte, bool) {
	switch c := v.(type) {
	case []byte:
		return c, true
	case string:
		if rest, ok := strings.CutPrefix(c, "base64:"); ok {
			b, err := decodeBase64(rest)
			return b, err == nil
		}
		if rest, ok := strings.CutPrefix(c, "hex:"); ok {
			b, err := hex.DecodeString(rest)
			return b, err == nil
		}
		return []byte(c), true
	}
	return nil, false
}

// createFilePatch stores the files given in input for File and primary
// Image fields: negative ids staged in the transaction, or inline
// {content, type, mtime} payloads. The resulting ids are written into
// changes and returned as a patch.
func (s *Scheme) createFilePatch(ctx context.Context, t *Transaction, input, changes Dict) (Dict, error) {
	if !s.hasFiles {
		return nil, nil
	}
	patch := Dict{}
	for _, key := range sortedKeys(input) {
		f := s.fields[key]
		if f == nil || !(f.typ == TypeFile || f.IsPrimaryImage()) {
			continue
		}

		var file *InputFile
		switch v := input[key].(type) {
		case Dict:
			typ, ok := v["type"].(string)
			if !ok {
				continue
			}
			content, ok := decodeFileContent(v["content"])
			if !ok {
				continue
			}
			file = &InputFile{Name: key, Type: typ, Content: content, MTime: GetInt(v, "mtime")}
		default:
			if id, ok := AsInt64(v); ok && id < 0 {
				file = t.stagedFile(id)
			}
		}
		if file == nil {
			continue
		}

		d, err := createFile(ctx, t, f, file)
		if err != nil {
			return patch, err
		}
		switch v := d.(type) {
		case int64:
			patch[f.name] = v
		case Dict:
			for k, id := range v {
				patch[k] = id
			}
		}
	}
	if len(patch) == 0 {
		return nil, nil
	}
	for k, v := range patch {
		changes[k] = v
	}
	return patch, nil
}

// purgeFilePatches removes files created for patches of a failed write.
func (s *Scheme) purgeFilePatches(ctx context.Context, t *Transaction, patches []Dict) {
	for _, patch := range patches {
		for _, key := range sortedKeys(patch) {
			if f := s.fields[key]; f == nil || !f.IsFile() {
				continue
			}
			if err := purgeFile(ctx, t, ObjectID(patch[key])); err != nil {
				t.adapter.log.Warn("failed to purge file",
					zap.String("scheme", s.name),
					zap.String("field", key),
					zap.Error(err))
			}
		}
	}
}

// purgeFile deletes a file record and its stored content.
func purgeFile(ctx context.Context, t *Transaction, id int64) error {
	if id <= 0 {
		return nil
	}
	w := NewWorker(fileSchemeOf(t), t).AsSystem()
	row, err := w.Get(ctx, id, 0)
	if err != nil || row == nil {
		return err
	}
	if _, err := NewWorker(fileSchemeOf(t), t).AsSystem().Remove(ctx, id); err != nil {
		return err
	}
	if store := t.adapter.fileStore; store != nil {
		if loc, ok := row["location"].(string); ok && loc != "" {
			return backendError(fileSchemeOf(t), "failed to remove file", store.Remove(ctx, loc))
		}
	}
	return nil
}

// FileData returns the file record with id, or nil.
func FileData(ctx context.Context, t *Transaction, id int64) (Dict, error) {
	if id <= 0 {
		return nil, nil
	}
	return NewWorker(fileSchemeOf(t), t).AsSystem().Get(ctx, id, 0)
}
