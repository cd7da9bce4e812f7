package membership

import (
	"fmt"
	"sync"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{name: "ipv4", input: "127.0.0.1:5000", want: Address{Host: "127.0.0.1", Port: 5000}},
		{name: "hostname", input: "seed-1:7000", want: Address{Host: "seed-1", Port: 7000}},
		{name: "ipv6", input: "[::1]:9000", want: Address{Host: "::1", Port: 9000}},
		{name: "with spaces", input: "  10.0.0.1:80 ", want: Address{Host: "10.0.0.1", Port: 80}},
		{name: "missing port", input: "127.0.0.1", wantErr: true},
		{name: "empty host", input: ":5000", wantErr: true},
		{name: "port out of range", input: "127.0.0.1:70000", wantErr: true},
		{name: "port zero", input: "127.0.0.1:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAddress(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddress_StringRoundTrip(t *testing.T) {
	for _, s := range []string{"127.0.0.1:5000", "[::1]:9000", "seed:1"} {
		a := MustParseAddress(s)
		if a.String() != s {
			t.Errorf("String() = %q, want %q", a.String(), s)
		}
	}
	if (Address{}).String() != "" {
		t.Error("zero address should render as empty string")
	}
}

func TestAddressBook_PeerSet(t *testing.T) {
	self := MustParseAddress("127.0.0.1:5000")
	seeds := []Address{MustParseAddress("127.0.0.1:6000"), MustParseAddress("127.0.0.1:6001")}
	b := NewAddressBook(self, seeds)

	p1 := MustParseAddress("127.0.0.1:5001")
	p2 := MustParseAddress("127.0.0.1:5002")

	if !b.AddPeer(p1) {
		t.Fatal("expected p1 to be added")
	}
	if b.AddPeer(p1) {
		t.Error("adding p1 twice should report false")
	}
	if b.AddPeer(self) {
		t.Error("self must never be added to the peer set")
	}
	if b.AddPeer(Address{}) {
		t.Error("zero address must never be added")
	}
	b.AddPeer(p2)

	if got := b.PeerCount(); got != 2 {
		t.Fatalf("PeerCount = %d, want 2", got)
	}
	if peers := b.Peers(); len(peers) != 2 || peers[0] != p1 || peers[1] != p2 {
		t.Errorf("Peers() = %v, want [%v %v]", peers, p1, p2)
	}
	if except := b.PeersExcept(p1); len(except) != 1 || except[0] != p2 {
		t.Errorf("PeersExcept(p1) = %v, want [%v]", except, p2)
	}

	if !b.RemovePeer(p1) {
		t.Error("expected p1 removal to report true")
	}
	if b.RemovePeer(p1) {
		t.Error("second removal should be a no-op")
	}
	if b.HasPeer(p1) {
		t.Error("p1 should be gone")
	}
}

func TestAddressBook_SeedsAreCopied(t *testing.T) {
	seeds := []Address{MustParseAddress("127.0.0.1:6000")}
	b := NewAddressBook(MustParseAddress("127.0.0.1:5000"), seeds)

	seeds[0] = MustParseAddress("10.0.0.1:1")
	if b.Seeds()[0].Host != "127.0.0.1" {
		t.Error("seed list must not alias the caller's slice")
	}

	got := b.Seeds()
	got[0] = MustParseAddress("10.0.0.2:2")
	if b.Seeds()[0].Host != "127.0.0.1" {
		t.Error("Seeds() must return a copy")
	}
	if b.SeedCount() != 1 {
		t.Errorf("SeedCount = %d, want 1", b.SeedCount())
	}
}

func TestAddressBook_ConcurrentMutation(t *testing.T) {
	b := NewAddressBook(MustParseAddress("127.0.0.1:5000"), nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				addr := MustParseAddress(fmt.Sprintf("10.0.%d.%d:7000", g, i%50+1))
				b.AddPeer(addr)
				_ = b.Peers()
				if i%3 == 0 {
					b.RemovePeer(addr)
				}
			}
		}(g)
	}
	wg.Wait()

	if b.PeerCount() > 8*50 {
		t.Errorf("PeerCount = %d exceeds distinct addresses", b.PeerCount())
	}
}
