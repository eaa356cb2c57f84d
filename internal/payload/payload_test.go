package payload

import (
	"strings"
	"testing"

	"github.com/SirClappington/maintd/internal/domain"
)

type marker struct{}

func (*marker) PayloadKind() string { return "marker" }

type task struct {
	Table string `json:"table"`
}

func (*task) PayloadKind() string { return "task" }

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.QueueTypeDefrag, NewCodec(1).
		Register("marker", func() Definition { return &marker{} }).
		Register("task", func() Definition { return &task{} }))
	return r
}

func TestEncodeIsDeterministic(t *testing.T) {
	r := testRegistry()
	a, err := r.Encode(domain.QueueTypeDefrag, &marker{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, _ := r.Encode(domain.QueueTypeDefrag, &marker{})
	if a != b || a != `{"v":1,"kind":"marker"}` {
		t.Fatalf("unexpected encodings %q %q", a, b)
	}
}

func TestDecodeTask(t *testing.T) {
	r := testRegistry()
	d, err := r.Decode(domain.QueueTypeDefrag, `{"v":1,"kind":"task","body":{"table":"orders"}}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tk, ok := d.(*task)
	if !ok || tk.Table != "orders" {
		t.Fatalf("unexpected definition %#v", d)
	}
}

func TestDecodeRejects(t *testing.T) {
	r := testRegistry()
	cases := map[string]string{
		"version": `{"v":2,"kind":"task"}`,
		"kind":    `{"v":1,"kind":"other"}`,
		"json":    `table;index;1`,
	}
	for name, in := range cases {
		if _, err := r.Decode(domain.QueueTypeDefrag, in); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
	if _, err := r.Decode(domain.QueueType(9), `{"v":1,"kind":"task"}`); err == nil || !strings.Contains(err.Error(), "no codec") {
		t.Fatalf("want missing codec error, got %v", err)
	}
}
