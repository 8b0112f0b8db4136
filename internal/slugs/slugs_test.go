package slugs

import "testing"

func TestComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Freya", "freya"},
		{"My Awesome Project", "my-awesome-project"},
		{"UPPER CASE", "upper-case"},
		{"file-name", "file-name"},
		{"Special: Characters!", "special-characters"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Component(tt.in); got != tt.want {
				t.Fatalf("Component(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Photo.JPG", "my-photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\Report 2024.pdf`, "report-2024.pdf"},
		{"archive.tar.gz", "archive-tar.gz"},
		{"!!!.txt", "file.txt"},
		{"noext", "noext"},
		{"trailing.", "trailing"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := FileName(tt.in); got != tt.want {
				t.Fatalf("FileName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
