// Package processor drains the message queue. Inbound messages are claimed,
// checked against host approval, and handed to the dispatch table; outbound
// messages are delivered to live agent sessions. Sweeps run on a schedule and
// on demand via Kick.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/dispatch"
	"github.com/bceverly/sysmanage-sub000/internal/metrics"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/queue"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

// Sender delivers outbound envelopes to live agent sessions.
type Sender interface {
	HasHostID(hostID string) bool
	SendToHostID(hostID string, msg *protocol.Message) error
}

// Options tune one processor instance.
type Options struct {
	ExpirationTimeout time.Duration // queued rows older than this expire
	StuckThreshold    time.Duration // in_progress rows older than this re-pend
	HostBatchSize     int           // messages per host per sweep
}

func (o *Options) fillDefaults() {
	if o.ExpirationTimeout <= 0 {
		o.ExpirationTimeout = 60 * time.Minute
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 30 * time.Second
	}
	if o.HostBatchSize <= 0 {
		o.HostBatchSize = 10
	}
}

// SweepStats summarizes one pass over the queue.
type SweepStats struct {
	Expired   int64
	Reset     int64
	Completed int
	Failed    int
	Delivered int
	Duration  time.Duration
}

// Processor owns the periodic queue sweep.
type Processor struct {
	log    zerolog.Logger
	q      *queue.Queue
	st     *store.Store
	router *dispatch.Router
	sender Sender
	opts   Options
	kick   chan struct{}
}

func New(q *queue.Queue, st *store.Store, router *dispatch.Router, sender Sender, opts Options, log zerolog.Logger) *Processor {
	opts.fillDefaults()
	return &Processor{
		log:    log.With().Str("component", "processor").Logger(),
		q:      q,
		st:     st,
		router: router,
		sender: sender,
		opts:   opts,
		kick:   make(chan struct{}, 1),
	}
}

// Kick wakes the processor for an immediate sweep. Never blocks; a sweep
// already queued absorbs the signal.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run sweeps once at startup to drain any backlog, then sweeps on every kick
// until the context is cancelled. Periodic cadence comes from the scheduler
// kicking on an interval.
func (p *Processor) Run(ctx context.Context) {
	p.log.Info().
		Dur("expiration_timeout", p.opts.ExpirationTimeout).
		Dur("stuck_threshold", p.opts.StuckThreshold).
		Int("host_batch_size", p.opts.HostBatchSize).
		Msg("processor started")

	p.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("processor stopped")
			return
		case <-p.kick:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: expire overdue rows, return stuck claims to
// pending, process unassigned and per-host inbound backlogs, deliver
// outbound messages to connected agents.
func (p *Processor) Sweep(ctx context.Context) SweepStats {
	start := time.Now()
	var stats SweepStats

	if n, err := p.q.ExpireOverdue(p.opts.ExpirationTimeout); err != nil {
		p.log.Error().Err(err).Msg("expire sweep failed")
	} else {
		stats.Expired = n
	}
	if n, err := p.q.ResetStuck(p.opts.StuckThreshold); err != nil {
		p.log.Error().Err(err).Msg("stuck sweep failed")
	} else {
		stats.Reset = n
	}

	p.processUnassigned(ctx, &stats)

	hosts, err := p.q.HostsWithPending(protocol.DirectionInbound)
	if err != nil {
		p.log.Error().Err(err).Msg("listing hosts with pending inbound failed")
	}
	if len(hosts) > p.opts.HostBatchSize {
		// Hosts are ordered by oldest pending message, so the ones cut
		// here are first in line next sweep.
		hosts = hosts[:p.opts.HostBatchSize]
	}
	for _, hostID := range hosts {
		if ctx.Err() != nil {
			break
		}
		p.processHost(ctx, hostID, &stats)
	}

	p.deliverOutbound(ctx, &stats)

	stats.Duration = time.Since(start)
	metrics.ProcessorSweepDuration.Observe(stats.Duration.Seconds())
	if stats.Expired > 0 || stats.Reset > 0 || stats.Completed > 0 || stats.Failed > 0 || stats.Delivered > 0 {
		p.log.Info().
			Int64("expired", stats.Expired).
			Int64("reset", stats.Reset).
			Int("completed", stats.Completed).
			Int("failed", stats.Failed).
			Int("delivered", stats.Delivered).
			Dur("duration", stats.Duration).
			Msg("queue sweep finished")
	}
	return stats
}

// processHost handles one host's inbound backlog, highest priority first.
// An unknown or unapproved host has its whole backlog dropped without
// invoking any handler.
func (p *Processor) processHost(ctx context.Context, hostID string, stats *SweepStats) {
	msgs, err := p.q.DequeueForHost(hostID, protocol.DirectionInbound, p.opts.HostBatchSize)
	if err != nil {
		p.log.Error().Err(err).Str("host_id", hostID).Msg("dequeue failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	host, err := p.st.GetHost(hostID)
	if err != nil && !errors.Is(err, store.ErrHostNotFound) {
		p.log.Error().Err(err).Str("host_id", hostID).Msg("host lookup failed, leaving messages pending")
		return
	}

	if host == nil || !host.Approved() {
		reason := "Host not approved"
		if host == nil {
			reason = "Unknown host"
		}
		p.dropBacklog(hostID, reason)
		return
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if err := p.q.MarkProcessing(m.ID); err != nil {
			continue // another worker won the claim
		}
		p.handleInbound(ctx, host, m, stats)
	}
}

// processUnassigned handles messages queued before the agent's identity was
// known. The hostname is resolved from the payload; unresolvable or
// unapproved messages fail. Registration traffic is the exception: it routes
// without a host lookup, since its handler is what creates the host.
func (p *Processor) processUnassigned(ctx context.Context, stats *SweepStats) {
	msgs, err := p.q.DequeueUnassigned(protocol.DirectionInbound, p.opts.HostBatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("dequeue unassigned failed")
		return
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if err := p.q.MarkProcessing(m.ID); err != nil {
			continue
		}

		env, err := m.Envelope()
		if err != nil {
			p.fail(m.ID, "invalid message payload: "+err.Error(), stats)
			continue
		}
		if env.Type == protocol.TypeSystemInfo {
			p.handleInbound(ctx, nil, m, stats)
			continue
		}
		hostname := resolveHostname(env)
		if hostname == "" {
			p.fail(m.ID, "Missing hostname", stats)
			continue
		}

		host, err := p.st.GetHostByFQDN(hostname)
		if errors.Is(err, store.ErrHostNotFound) {
			p.fail(m.ID, "Unknown host: "+hostname, stats)
			continue
		}
		if err != nil {
			// Transient lookup failure: the claim ages out via the stuck
			// sweep and the message is retried.
			p.log.Error().Err(err).Str("hostname", hostname).Msg("host lookup failed")
			continue
		}
		if !host.Approved() {
			p.fail(m.ID, "Host not approved", stats)
			continue
		}

		if err := p.q.AssignHost(m.ID, host.ID); err != nil {
			p.log.Error().Err(err).Str("message_id", m.ID).Msg("assign host failed")
		}
		p.handleInbound(ctx, host, m, stats)
	}
}

// deliverOutbound pushes queued outbound messages to hosts with a live
// session. Offline hosts keep their backlog until they reconnect.
func (p *Processor) deliverOutbound(ctx context.Context, stats *SweepStats) {
	hosts, err := p.q.HostsWithPending(protocol.DirectionOutbound)
	if err != nil {
		p.log.Error().Err(err).Msg("listing hosts with pending outbound failed")
		return
	}

	for _, hostID := range hosts {
		if ctx.Err() != nil {
			return
		}
		if !p.sender.HasHostID(hostID) {
			continue
		}
		msgs, err := p.q.DequeueForHost(hostID, protocol.DirectionOutbound, p.opts.HostBatchSize)
		if err != nil {
			p.log.Error().Err(err).Str("host_id", hostID).Msg("dequeue outbound failed")
			continue
		}
		for _, m := range msgs {
			if err := p.q.MarkProcessing(m.ID); err != nil {
				continue
			}
			env, err := m.Envelope()
			if err != nil {
				p.fail(m.ID, "invalid message payload: "+err.Error(), stats)
				continue
			}
			if err := p.sender.SendToHostID(hostID, env); err != nil {
				if p.sender.HasHostID(hostID) {
					// Session survived the send, so the message itself is
					// the problem.
					p.fail(m.ID, "delivery failed: "+err.Error(), stats)
					continue
				}
				// The session died mid-send. Release the claim: the message
				// and the rest of the backlog wait for the next reconnect.
				if err := p.q.ReturnToPending(m.ID); err != nil {
					p.log.Error().Err(err).Str("message_id", m.ID).Msg("releasing undelivered message failed")
				}
				p.log.Warn().Err(err).Str("host_id", hostID).Msg("agent session lost during delivery")
				break
			}
			if p.q.MarkCompleted(m.ID) == nil {
				stats.Delivered++
			}
		}
	}
}

// handleInbound routes one claimed message and records the outcome.
func (p *Processor) handleInbound(ctx context.Context, host *store.Host, m *queue.Message, stats *SweepStats) {
	env, err := m.Envelope()
	if err != nil {
		p.fail(m.ID, "invalid message payload: "+err.Error(), stats)
		return
	}
	if err := p.router.Route(ctx, host, env); err != nil {
		p.fail(m.ID, err.Error(), stats)
		return
	}
	if p.q.MarkCompleted(m.ID) == nil {
		stats.Completed++
	}
}

// dropBacklog deletes every queued message for a host that must not be
// processed. Nothing reaches a handler and nothing is left behind.
func (p *Processor) dropBacklog(hostID, reason string) {
	dropped, err := p.q.DeleteForHost(hostID)
	if err != nil {
		p.log.Error().Err(err).Str("host_id", hostID).Msg("dropping backlog failed")
		return
	}
	p.st.LogEvent("queue", "warning", hostID, "host_rejected", reason,
		map[string]any{"dropped": dropped})
	p.log.Warn().Str("host_id", hostID).Str("reason", reason).Int64("dropped", dropped).Msg("dropped queued messages for host")
}

func (p *Processor) fail(messageID, reason string, stats *SweepStats) {
	if p.q.MarkFailed(messageID, reason) == nil {
		stats.Failed++
	}
}

// resolveHostname digs the agent hostname out of a payload: either a
// top-level "hostname" field or the _connection_info block the endpoint
// attaches to messages from unidentified sessions.
func resolveHostname(env *protocol.Message) string {
	if len(env.Data) == 0 {
		return ""
	}
	var probe struct {
		Hostname       string                  `json:"hostname"`
		ConnectionInfo protocol.ConnectionInfo `json:"_connection_info"`
	}
	if err := json.Unmarshal(env.Data, &probe); err != nil {
		return ""
	}
	if probe.Hostname != "" {
		return probe.Hostname
	}
	return probe.ConnectionInfo.Hostname
}
