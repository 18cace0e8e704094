package stdio

import (
	"os"
	"testing"

	"github.com/virtshim/guestagent/internal/transport"
)

type fakeConn struct {
	closed int
}

func (c *fakeConn) Read(p []byte) (int, error)  { return 0, nil }
func (c *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConn) Close() error                { c.closed++; return nil }
func (c *fakeConn) CloseRead() error            { return nil }
func (c *fakeConn) CloseWrite() error           { return nil }
func (c *fakeConn) File() (*os.File, error)     { return nil, nil }

var _ transport.Connection = &fakeConn{}

func Test_Registry_StoreAndLoad(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Store(1025, conn)
	if got := r.Load(1025); got != conn {
		t.Fatalf("Load(1025) = %v, expected the stored connection", got)
	}
	if got := r.Load(9999); got != nil {
		t.Fatalf("Load(9999) = %v, expected nil", got)
	}
}

func Test_Registry_StoreReplacesAndClosesPrevious(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}
	r.Store(1025, first)
	r.Store(1025, second)
	if first.closed != 1 {
		t.Errorf("previous connection closed %d times, expected 1", first.closed)
	}
	if got := r.Load(1025); got != second {
		t.Errorf("Load(1025) = %v, expected the replacement connection", got)
	}
}

func Test_Registry_RemoveReturnsWithoutClosing(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Store(1025, conn)
	if got := r.Remove(1025); got != conn {
		t.Fatalf("Remove(1025) = %v, expected the stored connection", got)
	}
	if conn.closed != 0 {
		t.Errorf("Remove closed the connection %d times, expected 0", conn.closed)
	}
	if got := r.Load(1025); got != nil {
		t.Errorf("Load after Remove = %v, expected nil", got)
	}
	if got := r.Remove(1025); got != nil {
		t.Errorf("second Remove = %v, expected nil", got)
	}
}

func Test_Registry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeConn{}
	b := &fakeConn{}
	r.Store(1025, a)
	r.Store(1026, b)
	r.CloseAll()
	if a.closed != 1 || b.closed != 1 {
		t.Errorf("closed counts = %d, %d, expected 1, 1", a.closed, b.closed)
	}
	if got := r.Load(1025); got != nil {
		t.Errorf("Load after CloseAll = %v, expected nil", got)
	}
	r.CloseAll()
}
