package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileIdempotentAndPreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "globus-firewall")
	if err := os.WriteFile(path, []byte("old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := NewWriter()
	contents := []byte("#!/bin/sh\nexport GLOBUS_TCP_PORT_RANGE=40000,41000\n")

	first, err := w.WriteFile(path, contents)
	if err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if !first.Changed {
		t.Error("first WriteFile() Changed = false")
	}

	second, err := w.WriteFile(path, contents)
	if err != nil {
		t.Fatalf("second WriteFile() error = %v", err)
	}
	if second.Changed {
		t.Error("second WriteFile() Changed = true for identical contents")
	}
	if first.Checksum != second.Checksum {
		t.Errorf("checksums differ: %s vs %s", first.Checksum, second.Checksum)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(contents) {
		t.Errorf("contents = %q, want %q", got, contents)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}

	assertNoTempFiles(t, dir)
}

func TestWriteFileModes(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()

	newPath := filepath.Join(dir, "new.conf")
	if _, err := w.WriteFile(newPath, []byte("a")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if info, _ := os.Stat(newPath); info.Mode().Perm() != DefaultMode {
		t.Errorf("new file mode = %o, want %o", info.Mode().Perm(), DefaultMode)
	}

	if _, err := w.WriteFile(newPath, []byte("b"), WithMode(0o755)); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if info, _ := os.Stat(newPath); info.Mode().Perm() != 0o755 {
		t.Errorf("explicit mode = %o, want 0755", info.Mode().Perm())
	}
}

func TestWriteFileFailures(t *testing.T) {
	prior := []byte("prior contents\n")

	tests := []struct {
		name   string
		inject func(h *hooks)
	}{
		{
			name: "write fails",
			inject: func(h *hooks) {
				create := h.createTemp
				h.createTemp = func(dir, pattern string) (tempFile, error) {
					f, err := create(dir, pattern)
					if err != nil {
						return nil, err
					}
					return &failingFile{tempFile: f, failWrite: true}, nil
				}
			},
		},
		{
			name: "sync fails",
			inject: func(h *hooks) {
				create := h.createTemp
				h.createTemp = func(dir, pattern string) (tempFile, error) {
					f, err := create(dir, pattern)
					if err != nil {
						return nil, err
					}
					return &failingFile{tempFile: f, failSync: true}, nil
				}
			},
		},
		{
			name: "rename fails",
			inject: func(h *hooks) {
				h.rename = func(string, string) error { return errors.New("rename: injected") }
			},
		},
		{
			name: "create fails",
			inject: func(h *hooks) {
				h.createTemp = func(string, string) (tempFile, error) { return nil, errors.New("create: injected") }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "osg.sh")
			if err := os.WriteFile(path, prior, 0o644); err != nil {
				t.Fatal(err)
			}

			w := NewWriter()
			tt.inject(&w.fs)

			if _, err := w.WriteFile(path, []byte("new contents\n")); err == nil {
				t.Fatal("WriteFile() expected error")
			}

			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != string(prior) {
				t.Errorf("contents = %q, want prior contents untouched", got)
			}
			assertNoTempFiles(t, dir)
		})
	}
}

func TestWriterRootAndObserver(t *testing.T) {
	root := t.TempDir()
	var seen []string
	w := NewWriter(WithRoot(root), WithObserver(func(r WriteResult) { seen = append(seen, r.Path) }))

	if _, err := w.WriteFile("/etc/profile.d/osg.sh", []byte("#!/bin/sh\n")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "etc", "profile.d", "osg.sh")); err != nil {
		t.Errorf("file not written below root: %v", err)
	}
	if !w.Exists("/etc/profile.d/osg.sh") {
		t.Error("Exists() = false")
	}
	if len(seen) != 1 || seen[0] != "/etc/profile.d/osg.sh" {
		t.Errorf("observer saw %v", seen)
	}
}

func TestReplaceSymlink(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(WithRoot(root))
	link := "/etc/grid-services/jobmanager"

	if err := w.ReplaceSymlink("available/jobmanager-fork", link); err != nil {
		t.Fatalf("ReplaceSymlink() error = %v", err)
	}
	if err := w.ReplaceSymlink("available/jobmanager-managedfork", link); err != nil {
		t.Fatalf("ReplaceSymlink() error = %v", err)
	}
	if err := w.ReplaceSymlink("available/jobmanager-managedfork", link); err != nil {
		t.Fatalf("ReplaceSymlink() repeat error = %v", err)
	}

	target, err := os.Readlink(w.Path(link))
	if err != nil {
		t.Fatal(err)
	}
	if target != "available/jobmanager-managedfork" {
		t.Errorf("link target = %s", target)
	}
	assertNoTempFiles(t, filepath.Dir(w.Path(link)))
}

type failingFile struct {
	tempFile
	failWrite bool
	failSync  bool
}

func (f *failingFile) Write(p []byte) (int, error) {
	if f.failWrite {
		return 0, errors.New("write: injected")
	}
	return f.tempFile.Write(p)
}

func (f *failingFile) Sync() error {
	if f.failSync {
		return errors.New("sync: injected")
	}
	return f.tempFile.Sync()
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("stray temporary file %s", e.Name())
		}
	}
}
