package network

import (
	"testing"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

func entry(start, end timectrl.Instant, rssi float32, processed bool) airtimeEntry {
	return airtimeEntry{start: start, end: end, rssi: rssi, processed: processed}
}

func TestAddAirtimeEvictsProcessedFirst(t *testing.T) {
	n := newNodeState(model.NodeConfig{ID: 1}, 100)
	n.addAirtime(entry(0, 10, -80, false))
	n.addAirtime(entry(1, 11, -80, true))
	for i := 2; len(n.airtime) < MaxAirtimeEntries; i++ {
		n.addAirtime(entry(timectrl.Instant(i), timectrl.Instant(i+10), -80, false))
	}

	if !n.addAirtime(entry(1000, 1010, -80, false)) {
		t.Fatalf("expected eviction at capacity")
	}
	if len(n.airtime) != MaxAirtimeEntries {
		t.Fatalf("len = %d, want %d", len(n.airtime), MaxAirtimeEntries)
	}
	if n.airtime[0].start != 0 || n.airtime[1].start != 2 {
		t.Fatalf("processed entry should be evicted first, head starts = %v, %v", n.airtime[0].start, n.airtime[1].start)
	}
}

func TestAddAirtimeEvictsOldestWhenNoneProcessed(t *testing.T) {
	n := newNodeState(model.NodeConfig{ID: 1}, 100)
	for i := 0; i < MaxAirtimeEntries; i++ {
		if n.addAirtime(entry(timectrl.Instant(i), timectrl.Instant(i+10), -80, false)) {
			t.Fatalf("unexpected eviction at %d", i)
		}
	}
	if !n.addAirtime(entry(9999, 10000, -80, false)) {
		t.Fatalf("expected eviction at capacity")
	}
	if n.airtime[0].start != 1 {
		t.Fatalf("oldest entry should be evicted, head start = %v", n.airtime[0].start)
	}
	if last := n.airtime[len(n.airtime)-1]; last.start != 9999 {
		t.Fatalf("new entry missing, tail start = %v", last.start)
	}
}

func TestGCRespectsPendingWork(t *testing.T) {
	n := newNodeState(model.NodeConfig{ID: 1}, 100)
	n.airtime = []airtimeEntry{
		entry(0, 10, -80, true),
		entry(5, 30, -80, true),
		entry(20, 40, -80, false),
	}
	n.gc(100)
	if len(n.airtime) != 2 {
		t.Fatalf("len = %d, want 2 (only the entry ending before the unprocessed start goes)", len(n.airtime))
	}

	n.airtime[1].processed = true
	n.cads = []cadItem{{start: 35, end: 37}}
	n.gc(100)
	if len(n.airtime) != 1 || n.airtime[0].start != 20 {
		t.Fatalf("pending cad must keep overlapping entries, got %+v", n.airtime)
	}

	n.cads = nil
	n.gc(100)
	if len(n.airtime) != 0 {
		t.Fatalf("expected every ended processed entry collected, got %d", len(n.airtime))
	}
}

func TestNextDeadline(t *testing.T) {
	n := newNodeState(model.NodeConfig{ID: 1}, 100)
	if _, ok := n.nextDeadline(); ok {
		t.Fatalf("empty node should have no deadline")
	}
	n.airtime = []airtimeEntry{
		entry(0, 50, -80, true),
		entry(10, 80, -80, false),
		entry(20, 60, -80, false),
	}
	if at, ok := n.nextDeadline(); !ok || at != 80 {
		t.Fatalf("deadline = %v, %v; want the first unprocessed end 80", at, ok)
	}
	n.cads = []cadItem{{start: 30, end: 32}}
	if at, _ := n.nextDeadline(); at != 32 {
		t.Fatalf("deadline = %v, want cad end 32", at)
	}
}

func TestJudge(t *testing.T) {
	const (
		noise       float32 = -120
		sensitivity float32 = -127.5
		snr         float32 = -7.5
	)

	tests := []struct {
		name    string
		airtime []airtimeEntry
		want    verdict
	}{
		{
			name: "equal start within capture threshold collides",
			airtime: []airtimeEntry{
				entry(0, 100, -62, false),
				entry(0, 100, -59.5, false),
			},
			want: verdictCollision,
		},
		{
			name: "dominant packet captures",
			airtime: []airtimeEntry{
				entry(0, 100, -50, false),
				entry(0, 100, -62, false),
			},
			want: verdictDelivered,
		},
		{
			name: "dominant packet captures over an earlier weaker one",
			airtime: []airtimeEntry{
				entry(10, 100, -50, false),
				entry(0, 90, -62, false),
			},
			want: verdictDelivered,
		},
		{
			name: "earlier interferer below sensitivity only adds noise",
			airtime: []airtimeEntry{
				entry(10, 100, -100, false),
				entry(0, 50, -130, false),
			},
			want: verdictDelivered,
		},
		{
			name: "earlier strong interferer holds the receiver",
			airtime: []airtimeEntry{
				entry(10, 100, -60, false),
				entry(0, 50, -58, true),
			},
			want: verdictCollision,
		},
		{
			name: "later comparable packet destroys",
			airtime: []airtimeEntry{
				entry(0, 100, -60, false),
				entry(50, 150, -64, false),
			},
			want: verdictCollision,
		},
		{
			name: "lone weak packet is dropped silently",
			airtime: []airtimeEntry{
				entry(0, 100, -130, false),
			},
			want: verdictDropped,
		},
		{
			name: "adjacent packets do not overlap",
			airtime: []airtimeEntry{
				entry(100, 200, -90, false),
				entry(0, 100, -60, true),
			},
			want: verdictDelivered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, sinr, _ := judge(tt.airtime, 0, noise, sensitivity, snr)
			if got != tt.want {
				t.Fatalf("verdict = %v (sinr %.2f), want %v", got, sinr, tt.want)
			}
		})
	}
}
