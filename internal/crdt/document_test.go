package crdt

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"foo/bar.txt", "foo/bar.txt", false},
		{"./foo.txt", "foo.txt", false},
		{"foo\\bar.txt", "foo/bar.txt", false},
		{"", "", true},
		{"..", "", true},
		{"../escape.txt", "", true},
		{"/abs.txt", "", true},
		{".ethersync/doc", "", true},
		{"nested/.ethersync/doc", "", true},
	}
	for _, c := range cases {
		got, err := NormalizePath(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizePath(%q) = %q, nil; want error", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePath(%q) returned error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDocumentTextCreatesEmpty(t *testing.T) {
	doc := NewDocument()
	if doc.Has("a.txt") {
		t.Fatalf("Has(a.txt) = true before any access")
	}
	text := doc.Text("a.txt")
	if text == nil {
		t.Fatalf("Text(a.txt) = nil")
	}
	if !doc.Has("a.txt") {
		t.Fatalf("Has(a.txt) = false after Text() created it")
	}
}

func TestDocumentRemove(t *testing.T) {
	doc := NewDocument()
	doc.Files["a.txt"] = NewText("hi", 1)
	doc.Remove("a.txt")
	if doc.Has("a.txt") {
		t.Fatalf("Has(a.txt) = true after Remove")
	}
}

func TestDocumentClone(t *testing.T) {
	doc := NewDocument()
	doc.Files["a.txt"] = NewText("hi", 1)

	clone := doc.Clone()
	clone.Files["a.txt"].Characters[0].Value = 'X'

	if doc.Files["a.txt"].String() != "hi" {
		t.Fatalf("mutating clone affected original: %q", doc.Files["a.txt"].String())
	}
}
