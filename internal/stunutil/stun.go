// Package stunutil discovers the public endpoint of a site through STUN.
package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NATType is a coarse classification of the NAT in front of a site.
type NATType string

const (
	NATUnknown          NATType = "unknown"
	NATSymmetric        NATType = "symmetric"
	NATConeOrRestricted NATType = "cone_or_restricted"
)

// Result is the outcome of querying a set of STUN servers. PublicAddr is the
// mapped address reported by the first server that answered; Mapped holds
// every answer keyed by server.
type Result struct {
	PublicAddr string            `json:"public_addr"`
	NAT        NATType           `json:"nat"`
	Mapped     map[string]string `json:"mapped"`
}

// PublicHost returns the host part of PublicAddr.
func (r Result) PublicHost() string {
	h, _, err := net.SplitHostPort(r.PublicAddr)
	if err != nil {
		return r.PublicAddr
	}
	return h
}

// Discover queries all servers concurrently from one local socket each and
// classifies the NAT from the answers. It fails only if no server answered.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NAT: NATUnknown}, errors.New("no STUN servers configured")
	}

	answers := make([]string, len(servers))
	errs := make([]error, len(servers))

	var g errgroup.Group
	for i, server := range servers {
		g.Go(func() error {
			answers[i], errs[i] = query(ctx, server, timeout)
			if errs[i] != nil {
				log.WithFields(log.Fields{"server": server, "error": errs[i]}).Debug("STUN query failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{NAT: NATUnknown, Mapped: make(map[string]string)}
	ordered := make([]string, 0, len(servers))
	for i, server := range servers {
		if errs[i] != nil {
			continue
		}
		res.Mapped[server] = answers[i]
		ordered = append(ordered, answers[i])
	}
	if len(ordered) == 0 {
		return res, fmt.Errorf("STUN discovery failed: %w", errors.Join(errs...))
	}

	res.PublicAddr = ordered[0]
	res.NAT = Classify(ordered)
	return res, nil
}

// Classify infers the NAT type by comparing mapped addresses reported by
// different servers for the same client.
func Classify(addrs []string) NATType {
	if len(addrs) < 2 {
		return NATUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATSymmetric
		}
	}
	return NATConeOrRestricted
}

// normalizeServer accepts "host:port", "host" or a stun: URI.
func normalizeServer(server string) (*stun.URI, error) {
	s := strings.TrimSpace(server)
	if s == "" {
		return nil, errors.New("empty STUN server")
	}
	if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
		s = "stun:" + s
	}
	return stun.ParseURI(s)
}

func query(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uri, err := normalizeServer(server)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
