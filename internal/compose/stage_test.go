package compose

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStageWritesAndCleansUp(t *testing.T) {
	files := []File{
		{RelPath: "docker-compose.yml", Content: []byte("services: {}\n")},
		{RelPath: "conf/app.env", Content: []byte("A=1\n")},
	}
	root, cleanup, err := Stage(t.TempDir(), files)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("stat stage root: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("stage root mode = %o, want 0700", perm)
	}
	b, err := os.ReadFile(filepath.Join(root, "conf", "app.env"))
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(b) != "A=1\n" {
		t.Errorf("staged content = %q", b)
	}

	cleanup()
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatal("cleanup left stage dir behind")
	}
}

func TestStageRejectsTraversal(t *testing.T) {
	for _, rel := range []string{"../escape.env", "/abs.env", "a/../../b"} {
		_, _, err := Stage(t.TempDir(), []File{{RelPath: rel, Content: []byte("x")}})
		if err == nil {
			t.Errorf("path %q accepted", rel)
		}
	}
}
