package rtpengine

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// SRVResolver looks up engine addresses from DNS SRV records, e.g.
// _ng._udp.media.example.com.
type SRVResolver struct {
	server string
	client *dns.Client
}

// NewSRVResolver returns a resolver that queries server (host:port). An
// empty server uses the first nameserver from /etc/resolv.conf.
func NewSRVResolver(server string) (*SRVResolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", resolvConf, err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameservers in %s", resolvConf)
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &SRVResolver{
		server: server,
		client: &dns.Client{Net: "udp"},
	}, nil
}

// Lookup returns host:port targets for name ordered by priority, then by
// descending weight.
func (r *SRVResolver) Lookup(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("srv query %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv query %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	return srvTargets(records), nil
}

func srvTargets(records []*dns.SRV) []string {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	out := make([]string, 0, len(records))
	for _, r := range records {
		host := strings.TrimSuffix(r.Target, ".")
		out = append(out, net.JoinHostPort(host, strconv.Itoa(int(r.Port))))
	}
	return out
}
