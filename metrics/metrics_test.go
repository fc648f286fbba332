package metrics

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunstack/tunstack/conntrack"
	"github.com/tunstack/tunstack/stack"
)

type nullDev struct{}

func (nullDev) Read(b []byte) (int, error)  { select {} }
func (nullDev) Write(b []byte) (int, error) { return len(b), nil }

func TestCollectorRegisters(t *testing.T) {
	s := stack.New(nullDev{}, stack.Config{
		MTU: 1500,
		V4:  netip.MustParseAddr("10.10.0.10"),
		V6:  netip.MustParseAddr("fd00:dead:beef::10"),
	})
	c := NewStackCollector("tunstack", s, nil)
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	// With no connections only the drop counter reports.
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "tunstack_dropped_frames_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("drop counter not collected")
	}
}

func TestCollectorReportsConnections(t *testing.T) {
	s := stack.New(nullDev{}, stack.Config{
		MTU: 1500,
		V4:  netip.MustParseAddr("10.10.0.10"),
		V6:  netip.MustParseAddr("fd00:dead:beef::10"),
	})
	quad := conntrack.Quad{
		Local:  netip.MustParseAddrPort("10.10.0.10:8080"),
		Remote: netip.MustParseAddrPort("10.10.0.1:43210"),
	}
	s.Table.Register(conntrack.NewConn(quad, 0, nil))

	c := NewStackCollector("tunstack", s, nil)
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sawConns, sawRTO bool
	for _, mf := range mfs {
		switch mf.GetName() {
		case "tunstack_connections":
			sawConns = true
			if len(mf.GetMetric()) == 0 || mf.GetMetric()[0].GetGauge().GetValue() != 1 {
				t.Fatalf("connections gauge: %+v", mf)
			}
		case "tunstack_connection_rto_seconds":
			sawRTO = true
		}
	}
	if !sawConns || !sawRTO {
		t.Fatalf("missing metric families: conns=%v rto=%v", sawConns, sawRTO)
	}
}
