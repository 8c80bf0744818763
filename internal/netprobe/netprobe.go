// Package netprobe implements the Network Probe Helpers (spec §2 item 10,
// §4.6 admin facts): best-effort discovery of the admin host's own local
// IPv4, subnet, default gateway, and interface type, gathered once at
// startup; there is no periodic refresh. Every host-introspection concern here
// is wired to gopsutil/v4's net module rather than hand-rolled interface
// scanning — the teacher's agent-side metrics package named gopsutil as the
// intended library for exactly this kind of local host fact-gathering but
// never wired it in; this package is where that wiring actually happens.
package netprobe

import (
	"fmt"
	"net"
	"strings"

	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/pamod-madubashana/labscan/internal/model"
)

// Probe gathers the admin host's AdminFacts. Every step is best-effort: a
// failure at any stage degrades to zero-value fields rather than returning
// an error, since the topology builder already treats an empty gateway or
// subnet as "unknown" and falls back to heuristic edges (spec §4.6).
func Probe() model.AdminFacts {
	facts := model.AdminFacts{}

	localIP := LocalIPv4()
	facts.LocalIPv4 = localIP
	if localIP != "" {
		facts.SubnetCIDR = deriveSubnet(localIP)
		facts.DefaultGateway = guessGateway(localIP)
	}
	facts.InterfaceType = classifyInterface(interfaceOwning(localIP))

	return facts
}

// LocalIPv4 returns the local IPv4 address the kernel would pick to reach
// the public internet, without sending any actual traffic: dialing UDP
// never puts a packet on the wire until a Write call. This is the standard
// no-traffic trick for "what's my real LAN IP" in Go, used in place of
// walking every interface and guessing which one is "primary". Shared by
// the admin-facts probe and the Broadcast Provisioner's advertisement
// frame, which both need the same address.
func LocalIPv4() string {
	conn, err := net.Dial("udp4", "203.0.113.1:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return ""
	}
	return local.IP.String()
}

// interfaceOwning returns the name of the network interface whose address
// list contains ip, using gopsutil rather than the stdlib's lower-level
// net.Interfaces so the admin-facts probe and any future telemetry about
// host interfaces share one source of truth.
func interfaceOwning(ip string) string {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		for _, addr := range ifc.Addrs {
			cidr := addr.Addr
			if host, _, err := net.ParseCIDR(cidr); err == nil && host.String() == ip {
				return ifc.Name
			}
			if cidr == ip {
				return ifc.Name
			}
		}
	}
	return ""
}

// classifyInterface maps an interface name to a coarse type label. Name
// conventions vary by OS (wlan0/en0/Wi-Fi), so this is a heuristic, not an
// authoritative classification.
func classifyInterface(name string) string {
	lower := strings.ToLower(name)
	switch {
	case name == "":
		return ""
	case strings.Contains(lower, "wl") || strings.Contains(lower, "wifi") || strings.Contains(lower, "wi-fi"):
		return "wifi"
	case strings.Contains(lower, "eth") || strings.HasPrefix(lower, "en"):
		return "ethernet"
	default:
		return "other"
	}
}

// deriveSubnet returns the a.b.c.0/24 form of ip, matching the topology
// builder's own fallback derivation so admin facts and device facts are
// directly comparable.
func deriveSubnet(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

// guessGateway assumes the conventional a.b.c.1 address for ip's /24. No
// portable, dependency-free way exists to read the real routing table
// without a platform-specific syscall or shellout, and none of this
// module's dependencies expose one — this is a documented heuristic, not
// an evidence-grade fact. The topology builder does not distinguish it: the
// admin is attached to it with method "evidence" at confidence 0.9, same as
// a device-reported gateway, since there is no lower-confidence slot for
// "guessed but still structurally asserted".
func guessGateway(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.1", v4[0], v4[1], v4[2])
}
