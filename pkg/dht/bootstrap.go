package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// bootstrap seeds the routing table by walking find_node(self) rounds:
// first against the configured routers, then breadth-first against the
// closest nodes learned so far. It stops once the table holds MinNodes
// contacts, the round budget is spent, or the settle timeout elapses.
// An unreachable network is not fatal; scans then degrade to empty
// results.
func (s *Scanner) bootstrap(ctx context.Context) {
	routers := s.resolveRouters()
	if len(routers) == 0 {
		s.log.Warn("no bootstrap routers resolved, scanning with an empty routing table")
		return
	}

	asked := make(map[string]bool)
	round := 0

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		s.bootstrapRound(ctx, routers, asked, round)
		round++
		if n := s.table.Len(); n < s.cfg.MinNodes {
			return fmt.Errorf("dht: routing table at %d/%d nodes", n, s.cfg.MinNodes)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = s.cfg.BootstrapTimeout

	err := backoff.Retry(op, backoff.WithMaxRetries(
		backoff.WithContext(policy, ctx), uint64(s.cfg.BootstrapRounds)))
	if err != nil {
		s.log.Warn("bootstrap ended below target population",
			zap.Int("nodes", s.table.Len()),
			zap.Error(err))
		return
	}
	s.log.Info("bootstrap complete",
		zap.Int("nodes", s.table.Len()),
		zap.Int("rounds", round))
}

// bootstrapRound queries one wave of targets with find_node(self) and
// folds the returned compact nodes into the routing table. Round zero
// asks the routers; later rounds ask the closest unasked contacts.
func (s *Scanner) bootstrapRound(ctx context.Context, routers []*net.UDPAddr, asked map[string]bool, round int) {
	var targets []*net.UDPAddr
	if round == 0 {
		targets = routers
	} else {
		for _, c := range s.table.Closest(s.self, 2*BucketSize) {
			if asked[c.ID.String()] {
				continue
			}
			asked[c.ID.String()] = true
			targets = append(targets, c.Addr)
		}
		if len(targets) == 0 {
			// Everyone known has been asked; re-seed from the routers.
			targets = routers
		}
	}

	var wg sync.WaitGroup
	for _, addr := range targets {
		wg.Add(1)
		go func(addr *net.UDPAddr) {
			defer wg.Done()
			nodes, err := s.transport.findNode(ctx, addr, s.self)
			if err != nil {
				s.log.Debug("bootstrap query failed",
					zap.String("node", addr.String()),
					zap.Error(err))
				return
			}
			for _, n := range nodes {
				if usableNode(n) {
					s.table.Insert(ID(n.ID), n.UDPAddr())
				}
			}
		}(addr)
	}
	wg.Wait()
}

func (s *Scanner) resolveRouters() []*net.UDPAddr {
	var routers []*net.UDPAddr
	for _, hostport := range s.cfg.Routers {
		addr, err := net.ResolveUDPAddr("udp4", hostport)
		if err != nil {
			s.log.Debug("router did not resolve",
				zap.String("router", hostport),
				zap.Error(err))
			continue
		}
		routers = append(routers, addr)
	}
	return routers
}
