package initramfs

import (
	"testing"

	"github.com/shard-kernel/shard/defs"
	"github.com/shard-kernel/shard/vfs"
)

func TestLookupFileReadsBackContents(t *testing.T) {
	fs := New(map[string][]byte{"/init": []byte("hello")})
	n, err := fs.Lookup("/init")
	if err != 0 {
		t.Fatalf("Lookup: %v", err)
	}
	buf := make([]byte, 16)
	cnt, rerr := n.ReadAt(buf, 0)
	if rerr != 0 || string(buf[:cnt]) != "hello" {
		t.Fatalf("ReadAt = %q, %v", buf[:cnt], rerr)
	}
}

func TestLookupMissingReturnsENOENT(t *testing.T) {
	fs := New(nil)
	if _, err := fs.Lookup("/nope"); err != defs.ENOENT {
		t.Fatalf("Lookup missing: err=%v, want ENOENT", err)
	}
}

func TestLookupDirectorySynthesizedFromPrefix(t *testing.T) {
	fs := New(map[string][]byte{"/bin/sh": []byte("x"), "/bin/ls": []byte("y")})
	n, err := fs.Lookup("/bin")
	if err != 0 {
		t.Fatalf("Lookup /bin: %v", err)
	}
	if n.Kind() != vfs.KindDir {
		t.Fatalf("Kind = %v, want KindDir", n.Kind())
	}
	var names []string
	for i := 0; ; i++ {
		name, ok := n.Readdir(i)
		if !ok {
			break
		}
		names = append(names, name)
	}
	if len(names) != 2 || names[0] != "ls" || names[1] != "sh" {
		t.Fatalf("Readdir = %v, want [ls sh]", names)
	}
}

func TestWriteAtGrowsFile(t *testing.T) {
	fs := New(map[string][]byte{"/f": []byte("abc")})
	n, _ := fs.Lookup("/f")
	if cnt, err := n.WriteAt([]byte("XYZ"), 3); err != 0 || cnt != 3 {
		t.Fatalf("WriteAt: n=%d err=%v", cnt, err)
	}
	buf := make([]byte, 16)
	cnt, _ := n.ReadAt(buf, 0)
	if string(buf[:cnt]) != "abcXYZ" {
		t.Fatalf("after write = %q, want abcXYZ", buf[:cnt])
	}
}

func TestRootIsAlwaysADirectory(t *testing.T) {
	fs := New(nil)
	n, err := fs.Lookup("/")
	if err != 0 || n.Kind() != vfs.KindDir {
		t.Fatalf("Lookup /: err=%v kind=%v", err, n.Kind())
	}
}
