// Package denylist provides a concrete implementation of the
// targetparser.Denylist capability: IP/CIDR ranges and hostname suffixes
// loaded from a flat file, one entry per line.
package denylist

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tlsfleet/crawlercore/internal/model"
)

// List rejects targets whose IP falls inside a configured CIDR (or exact
// IP) range, or whose hostname ends in a configured suffix.
type List struct {
	nets     []*net.IPNet
	ips      []net.IP
	suffixes []string
}

// Load reads denylist entries from path, one per line. Blank lines and
// lines starting with "#" are ignored. An entry is either a CIDR
// ("10.0.0.0/8"), a bare IP ("10.0.0.1"), or a hostname suffix prefixed
// with a dot (".internal.example.com").
func Load(path string, log zerolog.Logger) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("denylist: open %s: %w", path, err)
	}
	defer f.Close()

	l := &List{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := l.addEntry(line); err != nil {
			log.Warn().Str("entry", line).Err(err).Msg("denylist: skipping unparseable entry")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("denylist: scan %s: %w", path, err)
	}
	return l, nil
}

// Empty returns a List that matches nothing, for when no -denylist flag
// is supplied.
func Empty() *List { return &List{} }

func (l *List) addEntry(entry string) error {
	if strings.HasPrefix(entry, ".") {
		l.suffixes = append(l.suffixes, strings.ToLower(entry))
		return nil
	}
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return fmt.Errorf("invalid CIDR: %w", err)
		}
		l.nets = append(l.nets, ipNet)
		return nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return fmt.Errorf("not a CIDR, IP, or .suffix entry")
	}
	l.ips = append(l.ips, ip)
	return nil
}

// Matches implements targetparser.Denylist.
func (l *List) Matches(target model.ScanTarget) (bool, string) {
	if target.Hostname != "" {
		host := strings.ToLower(target.Hostname)
		for _, suffix := range l.suffixes {
			if strings.HasSuffix(host, suffix) {
				return true, fmt.Sprintf("hostname matches denylisted suffix %s", suffix)
			}
		}
	}

	if target.IP == "" {
		return false, ""
	}
	ip := net.ParseIP(target.IP)
	if ip == nil {
		return false, ""
	}

	for _, blocked := range l.ips {
		if blocked.Equal(ip) {
			return true, fmt.Sprintf("IP %s is explicitly denylisted", target.IP)
		}
	}
	for _, ipNet := range l.nets {
		if ipNet.Contains(ip) {
			return true, fmt.Sprintf("IP %s falls inside denylisted range %s", target.IP, ipNet.String())
		}
	}
	return false, ""
}
