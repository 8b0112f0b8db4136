package db

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
)

// memFileStore keeps file content in memory.
type memFileStore struct {
	mu    sync.Mutex
	n     int
	files map[string][]byte
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[string][]byte)}
}

func (m *memFileStore) Save(ctx context.Context, name string, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	loc := fmt.Sprintf("mem/%d/%s", m.n, name)
	m.files[loc] = append([]byte(nil), content...)
	return loc, nil
}

func (m *memFileStore) Remove(ctx context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, location)
	return nil
}

func (m *memFileStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func newFileAdapter(t *testing.T, schemes ...*Scheme) (*Adapter, *memBackend, *memFileStore) {
	t.Helper()
	mem := newMemBackend()
	fs := newMemFileStore()
	a := NewAdapter(mem, WithFileStore(fs))
	set := make(map[string]*Scheme, len(schemes))
	for _, s := range schemes {
		set[s.Name()] = s
	}
	if err := a.Init(context.Background(), InterfaceConfig{Name: "test"}, set); err != nil {
		t.Fatalf("init: %v", err)
	}
	return a, mem, fs
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestCreateWithFile(t *testing.T) {
	docs := NewScheme("doc",
		Text("title"),
		File("attachment", AllowedTypes("text/*"), MaxFileSize(10)),
	)

	t.Run("inline payload", func(t *testing.T) {
		a, _, fs := newFileAdapter(t, docs)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()

		obj, err := NewWorker(docs, tx).AsSystem().Create(ctx, Dict{
			"title": "notes",
			"attachment": Dict{
				"type":    "text/plain",
				"content": "base64:" + base64.StdEncoding.EncodeToString([]byte("hello")),
			},
		}, UpdateNone)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		id, ok := obj["attachment"].(int64)
		if !ok || id <= 0 {
			t.Fatalf("expected file id, got %v", obj["attachment"])
		}
		row, err := FileData(ctx, tx, id)
		if err != nil || row == nil {
			t.Fatalf("file data: %v, %v", row, err)
		}
		if row["type"] != "text/plain" || GetInt(row, "size") != 5 {
			t.Errorf("unexpected file row: %v", row)
		}
		if got := fs.files[AsString(row["location"])]; string(got) != "hello" {
			t.Errorf("stored content = %q", got)
		}
	})

	t.Run("staged file", func(t *testing.T) {
		a, _, fs := newFileAdapter(t, docs)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()

		staged := tx.StageFile(&InputFile{Name: "n.txt", Type: "text/plain", Content: []byte("hi")})
		obj, err := NewWorker(docs, tx).AsSystem().Create(ctx, Dict{"attachment": staged}, UpdateNone)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if id := GetInt(obj, "attachment"); id <= 0 {
			t.Errorf("staged id not replaced: %v", obj["attachment"])
		}
		if fs.size() != 1 {
			t.Errorf("expected one stored file, got %d", fs.size())
		}
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name string
			typ  string
			body string
		}{
			{"too large", "text/plain", "0123456789a"},
			{"wrong type", "application/pdf", "x"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				a, _, fs := newFileAdapter(t, docs)
				ctx, tx := a.Begin(context.Background())
				defer tx.Release()

				_, err := NewWorker(docs, tx).AsSystem().Create(ctx, Dict{
					"attachment": Dict{"type": tt.typ, "content": tt.body},
				}, UpdateNone)
				if !IsKind(err, ValidationFailed) {
					t.Fatalf("expected validation error, got %v", err)
				}
				if fs.size() != 0 {
					t.Errorf("rejected file was stored")
				}
			})
		}
	})

	t.Run("failed create purges files", func(t *testing.T) {
		a, mem, fs := newFileAdapter(t, docs)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()

		mem.failOn = "create:doc"
		_, err := NewWorker(docs, tx).AsSystem().Create(ctx, Dict{
			"attachment": Dict{"type": "text/plain", "content": "hex:6869"},
		}, UpdateNone)
		mem.failOn = ""
		if !IsKind(err, BackendFailure) {
			t.Fatalf("expected backend failure, got %v", err)
		}
		if fs.size() != 0 {
			t.Errorf("orphan file left in store: %v", fs.files)
		}
	})

	t.Run("no file store", func(t *testing.T) {
		a, _ := newTestAdapter(t, docs)
		ctx, tx := a.Begin(context.Background())
		defer tx.Release()

		_, err := NewWorker(docs, tx).AsSystem().Create(ctx, Dict{
			"attachment": Dict{"type": "text/plain", "content": "x"},
		}, UpdateNone)
		if !IsKind(err, BackendFailure) {
			t.Errorf("expected backend failure without a store, got %v", err)
		}
	})
}

func TestImageThumbnails(t *testing.T) {
	albums := NewScheme("album",
		Image("cover", Thumbnails(Thumbnail{Name: "small", Width: 16, Height: 16})),
	)
	if albums.Field("small") == nil || albums.Field("small").IsPrimaryImage() {
		t.Fatal("thumbnail field not declared")
	}

	a, _, fs := newFileAdapter(t, albums)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	obj, err := NewWorker(albums, tx).AsSystem().Create(ctx, Dict{
		"cover": Dict{"type": "", "content": testPNG(t, 2, 3)},
	}, UpdateNone)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cover, small := GetInt(obj, "cover"), GetInt(obj, "small")
	if cover <= 0 || small <= 0 || cover == small {
		t.Fatalf("expected two file ids, got %v", obj)
	}
	if fs.size() != 2 {
		t.Errorf("expected 2 stored files, got %d", fs.size())
	}

	row, err := FileData(ctx, tx, cover)
	if err != nil {
		t.Fatal(err)
	}
	if row["type"] != "image/png" {
		t.Errorf("content type not detected: %v", row["type"])
	}
	img, _ := row["image"].(Dict)
	if GetInt(img, "width") != 2 || GetInt(img, "height") != 3 {
		t.Errorf("unexpected image size: %v", row["image"])
	}
	row, _ = FileData(ctx, tx, small)
	img, _ = row["image"].(Dict)
	if GetInt(img, "width") != 16 {
		t.Errorf("unexpected thumbnail size: %v", row["image"])
	}
}

func TestSetFile(t *testing.T) {
	docs := NewScheme("doc", Text("title"), File("attachment"))
	a, _, fs := newFileAdapter(t, docs)
	ctx, tx := a.Begin(context.Background())
	defer tx.Release()

	w := NewWorker(docs, tx).AsSystem()
	obj, err := w.Create(ctx, Dict{"title": "t"}, UpdateNone)
	if err != nil {
		t.Fatal(err)
	}
	oid := GetInt(obj, OidField)

	ret, err := w.SetFile(ctx, oid, "attachment", &InputFile{Name: "a.bin", Type: "application/octet-stream", Content: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("set file: %v", err)
	}
	file, ok := ret.(Dict)
	if !ok || GetInt(file, "size") != 3 {
		t.Fatalf("unexpected file record: %v", ret)
	}
	got, err := w.Get(ctx, oid, 0)
	if err != nil || GetInt(got, "attachment") != GetInt(file, OidField) {
		t.Errorf("field not updated: %v, %v", got, err)
	}
	if fs.size() != 1 {
		t.Errorf("expected one stored file, got %d", fs.size())
	}

	if ret, err := w.SetFile(ctx, oid, "title", &InputFile{}); ret != nil || err != nil {
		t.Errorf("non-file field should be ignored, got %v, %v", ret, err)
	}
}

func TestDecodeFileContent(t *testing.T) {
	tests := []struct {
		in   Value
		want string
		ok   bool
	}{
		{[]byte("raw"), "raw", true},
		{"plain", "plain", true},
		{"hex:6869", "hi", true},
		{"hex:zz", "", false},
		{"base64:aGk=", "hi", true},
		{int64(3), "", false},
	}
	for _, tt := range tests {
		got, ok := decodeFileContent(tt.in)
		if ok != tt.ok || (ok && string(got) != tt.want) {
			t.Errorf("decodeFileContent(%v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	if !typeAllowed([]string{"image/*"}, "image/jpeg") || typeAllowed([]string{"image/*"}, "imagex/jpeg") {
		t.Error("wildcard type matching is wrong")
	}
}
