package socket_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/tunstack/tunstack/socket"
	"github.com/tunstack/tunstack/stack"
)

// nullDev satisfies stack.Device without moving any traffic; these tests
// exercise only the facade's binding and deadline behavior.
type nullDev struct{}

func (nullDev) Read(b []byte) (int, error)  { select {} }
func (nullDev) Write(b []byte) (int, error) { return len(b), nil }

var testLocal = netip.MustParseAddrPort("10.10.0.10:8080")

func newTestStack() *stack.Stack {
	return stack.New(nullDev{}, stack.Config{
		MTU: 1500,
		V4:  testLocal.Addr(),
		V6:  netip.MustParseAddr("fd00:dead:beef::10"),
	})
}

func TestListenAddressInUse(t *testing.T) {
	s := newTestStack()
	l, err := socket.Listen(s, testLocal, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if _, err := socket.Listen(s, testLocal, 4, 0); !errors.Is(err, socket.ErrAddressInUse) {
		t.Fatalf("want ErrAddressInUse, got %v", err)
	}
	// A different port on the same address is fine.
	other := netip.AddrPortFrom(testLocal.Addr(), 8081)
	l2, err := socket.Listen(s, other, 4, 0)
	if err != nil {
		t.Fatalf("second port: %v", err)
	}
	l2.Close()
}

func TestListenAfterClose(t *testing.T) {
	s := newTestStack()
	l, err := socket.Listen(s, testLocal, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	if _, err := socket.Listen(s, testLocal, 4, 0); err != nil {
		t.Fatalf("rebind after close: %v", err)
	}
}

func TestAcceptDeadline(t *testing.T) {
	s := newTestStack()
	l, err := socket.Listen(s, testLocal, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	start := time.Now()
	_, err = l.Accept(time.Now().Add(30 * time.Millisecond))
	if !errors.Is(err, socket.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("deadline fired far too late")
	}
}

func TestAcceptOnClosedListener(t *testing.T) {
	s := newTestStack()
	l, err := socket.Listen(s, testLocal, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept(time.Time{})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, socket.ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("accept did not wake on close")
	}
}

func TestLocalAddr(t *testing.T) {
	s := newTestStack()
	l, err := socket.Listen(s, testLocal, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if l.LocalAddr() != testLocal {
		t.Fatalf("LocalAddr = %v, want %v", l.LocalAddr(), testLocal)
	}
}
