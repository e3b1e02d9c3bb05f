package ipaddr

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/containernetworking/cni/pkg/types"
	"github.com/containernetworking/plugins/pkg/ip"
)

// MaxRangeSize bounds how many addresses a single range may expand to.
const MaxRangeSize = 1 << 16

// Range is an inclusive block of IPv4 addresses. Both First and Last are
// members of the range.
type Range struct {
	First net.IP
	Last  net.IP
}

// Parse parses an IPv4 address and returns its 4-byte form.
func Parse(s string) (net.IP, error) {
	addr := net.ParseIP(strings.TrimSpace(s))
	if addr == nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	v4 := addr.To4()
	if v4 == nil {
		return nil, fmt.Errorf("address %q is not IPv4", s)
	}
	return v4, nil
}

// Normalize returns the canonical text form of an IPv4 address.
func Normalize(s string) (string, bool) {
	addr, err := Parse(s)
	if err != nil {
		return "", false
	}
	return addr.String(), true
}

// ParseRange accepts "A-B", "A/N" or a single address "A".
//
// For the CIDR form every address of the block is returned, network and
// broadcast addresses included.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("empty address range")
	}

	var r Range
	switch {
	case strings.Contains(s, "/"):
		ipnet, err := types.ParseCIDR(s)
		if err != nil {
			return Range{}, fmt.Errorf("invalid address range %q: %v", s, err)
		}
		network := ipnet.IP.Mask(ipnet.Mask).To4()
		if network == nil {
			return Range{}, fmt.Errorf("address range %q is not IPv4", s)
		}
		r = Range{First: network, Last: broadcast(network, ipnet.Mask)}
	case strings.Contains(s, "-"):
		parts := strings.SplitN(s, "-", 2)
		first, err := Parse(parts[0])
		if err != nil {
			return Range{}, fmt.Errorf("invalid address range %q: %v", s, err)
		}
		last, err := Parse(parts[1])
		if err != nil {
			return Range{}, fmt.Errorf("invalid address range %q: %v", s, err)
		}
		r = Range{First: first, Last: last}
	default:
		addr, err := Parse(s)
		if err != nil {
			return Range{}, fmt.Errorf("invalid address range %q: %v", s, err)
		}
		r = Range{First: addr, Last: addr}
	}

	if ip.Cmp(r.First, r.Last) > 0 {
		return Range{}, fmt.Errorf("address range %q: first address is after last address", s)
	}
	if r.First[0] == 0 {
		return Range{}, fmt.Errorf("address range %q: 0.0.0.0/8 is not allocatable", s)
	}
	if r.Size() > MaxRangeSize {
		return Range{}, fmt.Errorf("address range %q: %d addresses exceeds limit of %d", s, r.Size(), MaxRangeSize)
	}
	return r, nil
}

// Size returns the number of addresses in the range.
func (r Range) Size() uint64 {
	return uint64(toUint32(r.Last)) - uint64(toUint32(r.First)) + 1
}

// Contains reports whether addr lies within the range, boundaries included.
func (r Range) Contains(addr net.IP) bool {
	v4 := addr.To4()
	if v4 == nil {
		return false
	}
	return ip.Cmp(v4, r.First) >= 0 && ip.Cmp(v4, r.Last) <= 0
}

// Addresses expands the range into the text form of every member, in order.
func (r Range) Addresses() []string {
	out := make([]string, 0, r.Size())
	for cur := r.First; ; cur = ip.NextIP(cur).To4() {
		out = append(out, cur.String())
		if ip.Cmp(cur, r.Last) >= 0 {
			break
		}
	}
	return out
}

func (r Range) String() string {
	if r.First.Equal(r.Last) {
		return r.First.String()
	}
	return r.First.String() + "-" + r.Last.String()
}

// Less orders two address strings numerically. Unparseable strings sort last.
func Less(a, b string) bool {
	ia, erra := Parse(a)
	ib, errb := Parse(b)
	switch {
	case erra != nil && errb != nil:
		return a < b
	case erra != nil:
		return false
	case errb != nil:
		return true
	}
	return ip.Cmp(ia, ib) < 0
}

func broadcast(network net.IP, mask net.IPMask) net.IP {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	bcast := make(net.IP, net.IPv4len)
	for idx := range bcast {
		bcast[idx] = network[idx] | ^mask[idx]
	}
	return bcast
}

func toUint32(addr net.IP) uint32 {
	return binary.BigEndian.Uint32(addr.To4())
}
