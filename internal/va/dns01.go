package va

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
)

// dns01Validator looks up the TXT record at _acme-challenge.{domain} and
// compares it with the SHA-256 digest of the expected key authorization.
type dns01Validator struct {
	resolver string // host:port; empty means use the system resolver config
}

func (v *dns01Validator) Validate(ctx context.Context, chal *model.Challenge, authz *model.Authorization, acct *model.Account) (bool, *model.ProblemDetails) {
	keyAuthz, err := keyAuthorization(chal.Token, acct)
	if err != nil {
		return false, problem(urnIncorrectResponse, "key authorization could not be computed: %v", err)
	}
	expected := keyAuthorizationDigest(keyAuthz)

	resolver := v.resolver
	if resolver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return false, problem(urnDNS, "no DNS resolver available: %v", err)
		}
		resolver = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	fqdn := dns.Fqdn("_acme-challenge." + authz.Identifier.Value)
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeTXT)
	msg.RecursionDesired = true

	client := new(dns.Client)
	in, _, err := client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		logger.Debug("dns-01 TXT lookup failed", zap.String("fqdn", fqdn), zap.Error(err))
		return false, problem(urnDNS, "TXT lookup for %s failed: %v", fqdn, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return false, problem(urnDNS, "TXT lookup for %s returned %s", fqdn, dns.RcodeToString[in.Rcode])
	}

	for _, answer := range in.Answer {
		txt, ok := answer.(*dns.TXT)
		if !ok {
			continue
		}
		for _, value := range txt.Txt {
			if value == expected {
				return true, nil
			}
		}
	}
	return false, problem(urnIncorrectResponse, "no TXT record for %s matched the expected digest", fqdn)
}
