package lan

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bramblectl/bramble/internal/config"
)

// Candidate is a device found by a discovery sweep. Discovery never
// mutates the registry; the caller decides which candidates to
// register.
type Candidate struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	MAC      string `json:"mac,omitempty"`
}

// Discover probes every host in the CIDR block for an open SSH port
// and returns the responders. The sweep is finite and restartable:
// each call performs a fresh scan. Probes are rate-limited and capped
// at a bounded concurrency so a /16 typo does not flood the network.
func Discover(ctx context.Context, cidr string, cfg config.DiscoveryConfig, logger *zap.Logger) ([]Candidate, error) {
	prefix, err := parseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", cidr, err)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	sem := make(chan struct{}, cfg.Concurrency)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		found []Candidate
	)

	for _, ip := range prefix {
		if err := limiter.Wait(ctx); err != nil {
			break // cancelled mid-sweep; return what we have
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			if !probe(ip, cfg.ProbePort, cfg.ProbeTimeout) {
				return
			}
			cand := Candidate{IP: ip, Hostname: reverseLookup(ip)}
			mu.Lock()
			found = append(found, cand)
			mu.Unlock()
		}(ip)
	}
	wg.Wait()

	// The kernel ARP table knows the MACs of everything we just
	// touched; fill them in best-effort.
	arp := readARPTable()
	for i := range found {
		found[i].MAC = arp[found[i].IP]
	}

	logger.Info("discovery sweep complete",
		zap.String("subnet", cidr),
		zap.Int("responders", len(found)))

	return found, nil
}

func parseCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []string
	for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); cur = nextIP(cur) {
		ips = append(ips, cur.String())
	}
	// Trim network and broadcast addresses for conventional subnets.
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}
	return ips, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

func probe(ip string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func reverseLookup(ip string) string {
	names, err := net.LookupAddr(ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// readARPTable parses /proc/net/arp for IP to MAC mappings. Returns an
// empty map on platforms without it.
func readARPTable() map[string]string {
	out := make(map[string]string)

	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, mac := fields[0], fields[3]
		if mac == "00:00:00:00:00:00" {
			continue
		}
		out[ip] = mac
	}
	return out
}

// DetectSubnet returns the first non-loopback IPv4 network as a CIDR,
// or a fallback when no interface qualifies.
func DetectSubnet() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "192.168.1.0/24"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		return ipnet.String()
	}
	return "192.168.1.0/24"
}
