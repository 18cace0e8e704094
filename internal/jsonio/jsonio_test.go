package jsonio

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testDoc struct {
	Name    string            `json:"name"`
	Rules   []string          `json:"rules"`
	Options map[string]string `json:"options,omitempty"`
}

func Test_Write_Read_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	in := testDoc{
		Name:  "default",
		Rules: []string{"CreateContainerRequest", "ExecProcessRequest"},
		Options: map[string]string{
			"mode":    "0750",
			"fsGroup": "1000",
		},
	}

	if err := Write(path, in); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var out testDoc
	if err := Read(path, &out); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_Read_MissingFile_IOKind(t *testing.T) {
	var out testDoc
	err := Read(filepath.Join(t.TempDir(), "absent.json"), &out)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	kind, ok := GetKind(err)
	if !ok {
		t.Fatalf("error %v does not carry a serialization kind", err)
	}
	if kind != KindIO {
		t.Fatalf("expected KindIO, got %v", kind)
	}
}

func Test_Read_Garbage_CodecKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.json")
	if err := Write(path, "not an object"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var out testDoc
	err := Read(path, &out)
	if err == nil {
		t.Fatal("expected decode error")
	}
	kind, ok := GetKind(err)
	if !ok || kind != KindCodec {
		t.Fatalf("expected KindCodec, got %v (tagged=%v)", kind, ok)
	}
}

func Test_Marshal_UnsupportedType_CodecKind(t *testing.T) {
	_, err := Marshal(map[string]interface{}{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected marshal error")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindCodec {
		t.Fatalf("expected codec-kind error, got %v", err)
	}
}
