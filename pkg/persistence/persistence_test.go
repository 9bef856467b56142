package persistence

import (
	"testing"

	"github.com/pkg/errors"
)

type snapshotPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONFileStore_SaveLoad(t *testing.T) {
	store := NewJSONFileService(t.TempDir()).NewStore("orders", "tracker", "snapshot")

	in := snapshotPayload{Name: "aapl", Count: 3}
	if err := store.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out snapshotPayload
	if err := store.Load(&out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestJSONFileStore_LoadMissing(t *testing.T) {
	store := NewJSONFileService(t.TempDir()).NewStore("orders", "tracker", "missing")

	var out snapshotPayload
	if err := store.Load(&out); !errors.Is(err, ErrNotExists) {
		t.Fatalf("expected ErrNotExists, got %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	// 路径分隔符等不安全字符必须被替换，避免写到目录外
	if got := sanitizeKey("a/b\\c:d"); got != "a_b_c_d" {
		t.Fatalf("sanitize got=%q", got)
	}
}
