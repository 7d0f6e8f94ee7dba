// Package main is a traffic generator which sends DNSCrypt queries to a
// running dnscrypt-wrapper.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ameshkov/dnscrypt/v2"
	"github.com/miekg/dns"
)

func main() {
	stamp := flag.String("stamp", "", "DNS stamp of the resolver, as printed at startup")
	network := flag.String("net", "udp", "transport to use, udp or tcp")
	rounds := flag.Int("rounds", 60, "number of rounds")
	interval := flag.Duration("interval", 2*time.Second, "interval between rounds")
	flag.Parse()

	if *stamp == "" {
		fmt.Println("stamp is required")
		os.Exit(2)
	}

	domains := []string{"google.com.", "example.com.", "cloudflare.com.", "microsoft.com."}

	c := &dnscrypt.Client{
		Net:     *network,
		Timeout: 5 * time.Second,
	}

	ri, err := c.Dial(*stamp)
	if err != nil {
		fmt.Printf("Error fetching certificate: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Certificate serial %d, es version %d\n", ri.ResolverCert.Serial, ri.ResolverCert.EsVersion)

	for i := range *rounds {
		fmt.Printf("Round %d\n", i)
		for _, domain := range domains {
			m := new(dns.Msg)
			m.SetQuestion(domain, dns.TypeA)
			r, err := c.Exchange(m, ri)
			if err != nil {
				fmt.Printf("Error querying %s: %v\n", domain, err)
				continue
			}
			if len(r.Answer) > 0 {
				fmt.Printf("Got answer for %s: TTL %d\n", domain, r.Answer[0].Header().Ttl)
			} else {
				fmt.Printf("No answer for %s\n", domain)
			}
		}
		time.Sleep(*interval)
	}
}
