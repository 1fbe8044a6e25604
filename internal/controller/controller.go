// Package controller runs the per-intersection control loop. It is the
// single owner of the state machine: every tick it samples the ingest
// store, preemption handler, override gateway, coordination table and
// failsafe supervisor, folds them into one Inputs struct, and advances the
// machine. Everything the admin surface reads is a published copy.
package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"crosslight/internal/config"
	"crosslight/internal/coord"
	"crosslight/internal/database"
	"crosslight/internal/failsafe"
	"crosslight/internal/ingest"
	"crosslight/internal/metrics"
	"crosslight/internal/override"
	"crosslight/internal/policy"
	"crosslight/internal/preempt"
	"crosslight/internal/signal"
	"crosslight/internal/statemachine"
)

// Status is the controller's published condition, replaced wholesale at
// the end of every tick.
type Status struct {
	State          signal.State      `json:"state"`
	Failsafe       failsafe.Status   `json:"failsafe"`
	FailsafeReason string            `json:"failsafe_reason,omitempty"`
	Preemption     preempt.Status    `json:"preemption"`
	Override       *override.Command `json:"override,omitempty"`
	Bias           time.Duration     `json:"coordination_bias"`
	TickAt         time.Time         `json:"tick_at"`
}

// Controller wires the domain components together and owns the tick loop.
type Controller struct {
	cfg     config.Config
	prog    signal.Program
	metrics *metrics.Store
	writer  *LogWriter

	store      *ingest.Store
	table      *coord.Table
	gateway    *override.Gateway
	handler    *preempt.Handler
	supervisor *failsafe.Supervisor
	machine    *statemachine.Machine

	mu          sync.RWMutex
	published   Status
	subscribers map[chan Status]struct{}

	// tick-loop private state, touched only from Run's goroutine
	emptyStreak      int
	lastBias         time.Duration
	lastActive       signal.Phase
	pendingViolation error
	prevFailsafe     bool
	prevPreempt      bool

	lastSnapshotID atomic.Int64
}

// New assembles a controller from a validated configuration. The machine
// starts in FAILSAFE and the supervisor starts asserted; the loop works its
// way out once approaches begin reporting.
func New(cfg config.Config, m *metrics.Store, now time.Time) *Controller {
	prog := cfg.SignalProgram()
	c := &Controller{
		cfg:     cfg,
		prog:    prog,
		metrics: m,
		writer:  NewLogWriter(512, m),

		store: ingest.NewStore(cfg.ApproachAxes(), ingest.Limits{
			MaxVehicleCount: cfg.Ingest.MaxVehicleCount,
			MaxQueueLength:  cfg.Ingest.MaxQueueLength,
			MaxGrowthRate:   cfg.Ingest.MaxGrowthRate,
		}, cfg.Ingest.FreshnessWindow()),
		table:      coord.NewTable(cfg.Coordination.Peers, cfg.Ingest.FreshnessWindow()),
		gateway:    override.New(prog, cfg.Override.MaxTTL),
		handler:    preempt.New(cfg.Preemption.Confirmations, cfg.Preemption.Cooldown),
		supervisor: failsafe.New(cfg.Failsafe.Grace, cfg.Failsafe.Confirmation),
		machine:    statemachine.New(cfg.Intersection.ID, prog, now),

		subscribers:  make(map[chan Status]struct{}),
		lastActive:   signal.Failsafe,
		prevFailsafe: true,
	}
	c.published = Status{
		State:          c.machine.State(),
		Failsafe:       failsafe.Status{IngestStale: true, Active: true},
		FailsafeReason: c.supervisor.Reason(),
		TickAt:         now,
	}
	return c
}

// Run drives the tick loop until ctx is cancelled, then performs the
// orderly shutdown: finish the cycle mid-tick, drive the heads to ALL_RED,
// and flush the log writer.
func (c *Controller) Run(ctx context.Context) {
	writerCtx, stopWriter := context.WithCancel(context.Background())
	go c.writer.Run(writerCtx)

	log.Printf("[controller] %s: control loop starting (tick %s)",
		c.cfg.Intersection.ID, c.cfg.Tick.Interval)

	ticker := time.NewTicker(c.cfg.Tick.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(time.Now())
			stopWriter()
			c.writer.Wait(3 * time.Second)
			log.Printf("[controller] %s: control loop stopped", c.cfg.Intersection.ID)
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick is one full evaluation: sample, propose, supervise, advance,
// publish.
func (c *Controller) tick(now time.Time) {
	start := time.Now()

	view := c.store.Snapshot(now)
	pre := c.handler.Evaluate(view, now)
	cmd, hasCmd := c.gateway.Active(now)
	neighbors := c.table.Neighbors(now)
	coordStale := c.table.HasPeers() && c.table.AllStale(now)

	st := c.machine.State()
	active := st.ActivePhase
	if active != c.lastActive {
		c.emptyStreak = 0
		c.lastBias = 0
		c.lastActive = active
	}

	// Duration invariant violations surface one tick after the machine
	// reports them.
	fault := c.pendingViolation
	c.pendingViolation = nil

	var (
		proposed time.Duration
		source   signal.Source
		bias     time.Duration
		trace    *database.TraceRow
	)
	if (active == signal.NSGreen || active == signal.EWGreen) && !pre.Active && !c.supervisor.Active() {
		axis, _ := active.Axis()
		snaps := view.Fresh(axis)
		bias = coord.Bias(active, neighbors, c.cfg.Coordination.Peers, coord.BiasParams{
			Cap:                 c.cfg.Coordination.BiasCap,
			CongestionThreshold: c.cfg.Coordination.CongestionThreshold,
		})

		switch {
		case hasCmd && cmd.Plan != nil:
			proposed = planDuration(*cmd.Plan, active)
			source = signal.SourceOverride
			c.lastBias = 0
		case hasCmd && cmd.RequestedPhase == active:
			// Pinned by override; the machine re-enters the phase at elapse
			// and no traffic proposal applies.
			c.lastBias = 0
		default:
			prop, err := policy.Propose(c.prog, policy.Params{
				GrowthGain:      c.cfg.Policy.GrowthGain,
				ShrinkAfter:     c.cfg.Policy.ShrinkAfter,
				EmptyShrinkStep: c.cfg.Policy.EmptyShrinkStep,
			}, policy.Input{
				Phase:        active,
				Snapshots:    snaps,
				Previous:     st.ComputedDuration,
				EmptyStreak:  c.emptyStreak,
				Bias:         bias,
				PreviousBias: c.lastBias,
			})
			if err != nil {
				if fault == nil {
					fault = fmt.Errorf("policy proposal: %w", err)
				}
			} else {
				proposed = prop.Duration
				source = signal.SourcePolicy
				trace = c.traceRow(now, active, prop)
				c.lastBias = prop.Bias
			}
		}
		c.emptyStreak = policy.EmptyStreakNext(c.emptyStreak, snaps)
	}

	fsStatus := c.supervisor.Evaluate(now, view, coordStale, fault)
	if fsStatus.Active != c.prevFailsafe {
		if fsStatus.Active {
			c.metrics.IncFailsafeActivation()
			log.Printf("[controller] %s: failsafe asserted: %s",
				c.cfg.Intersection.ID, c.supervisor.Reason())
		} else {
			c.metrics.IncFailsafeClear()
			log.Printf("[controller] %s: failsafe cleared", c.cfg.Intersection.ID)
		}
		c.prevFailsafe = fsStatus.Active
	}
	if pre.Active != c.prevPreempt {
		if pre.Active {
			c.metrics.IncPreemption()
			log.Printf("[controller] %s: emergency preemption confirmed on %s axis",
				c.cfg.Intersection.ID, pre.Axis)
		} else {
			log.Printf("[controller] %s: emergency preemption cleared", c.cfg.Intersection.ID)
		}
		c.prevPreempt = pre.Active
	}

	var ovrPhase *signal.Phase
	if hasCmd && cmd.RequestedPhase != "" {
		phase := cmd.RequestedPhase
		ovrPhase = &phase
	}

	res := c.machine.Tick(statemachine.Inputs{
		Now:      now,
		Proposed: proposed,
		Source:   source,
		Preempt:  pre.Active,
		Override: ovrPhase,
		Failsafe: fsStatus.Active,
	})
	if res.Violation != nil {
		log.Printf("[controller] %s: duration invariant violation: %v",
			c.cfg.Intersection.ID, res.Violation)
		c.pendingViolation = res.Violation
	}

	snapshotRef := c.lastSnapshotID.Load()
	for _, tr := range res.Transitions {
		c.metrics.IncTransition(string(tr.To))
		log.Printf("[controller] %s: %s -> %s (%s: %s)",
			c.cfg.Intersection.ID, tr.From, tr.To, tr.Source, tr.Reason)
		row := database.TransitionRow{
			Timestamp:      tr.At,
			IntersectionID: c.cfg.Intersection.ID,
			FromPhase:      string(tr.From),
			ToPhase:        string(tr.To),
			DurationMS:     tr.Duration.Milliseconds(),
			Source:         string(tr.Source),
			Reason:         tr.Reason,
			SnapshotRef:    snapshotRef,
		}
		c.writer.Enqueue("transition", func() error {
			return database.LogTransition(row)
		})
	}
	if trace != nil {
		row := *trace
		c.writer.Enqueue("trace", func() error {
			_, err := database.LogDecisionTrace(row)
			return err
		})
	}

	var ovrCopy *override.Command
	if hasCmd {
		copied := cmd
		ovrCopy = &copied
	}
	c.publish(Status{
		State:          c.machine.State(),
		Failsafe:       fsStatus,
		FailsafeReason: c.supervisor.Reason(),
		Preemption:     pre,
		Override:       ovrCopy,
		Bias:           bias,
		TickAt:         now,
	})

	c.metrics.ObserveTick(time.Since(start))
}

// planDuration picks the commanded duration a fixed timing plan assigns to
// the given green phase.
func planDuration(plan override.FixedPlan, green signal.Phase) time.Duration {
	if green == signal.NSGreen {
		return plan.NSGreen
	}
	return plan.EWGreen
}

// traceRow builds the decision trace with its replay digest.
func (c *Controller) traceRow(now time.Time, phase signal.Phase, prop policy.Proposal) *database.TraceRow {
	contract := policy.CurrentEngineContract()
	digest := policy.ReplayDigest(policy.ReplayInput{
		TimingEngine:   contract.EngineName,
		EngineVersion:  contract.EngineVersion,
		TimingContract: contract.ContractVersion,
		Phase:          string(phase),
		Source:         string(signal.SourcePolicy),
		QueueLength:    prop.QueueLength,
		GrowthRate:     prop.GrowthRate,
		BiasMS:         prop.Bias.Milliseconds(),
		DurationMS:     prop.Duration.Milliseconds(),
		Reason:         prop.Reason,
	})
	return &database.TraceRow{
		Timestamp:      now,
		IntersectionID: c.cfg.Intersection.ID,
		Phase:          string(phase),
		Source:         string(signal.SourcePolicy),
		QueueLength:    prop.QueueLength,
		GrowthRate:     prop.GrowthRate,
		BiasMS:         prop.Bias.Milliseconds(),
		DurationMS:     prop.Duration.Milliseconds(),
		Reason:         prop.Reason,
		TimingEngine:   contract.EngineName,
		EngineVersion:  contract.EngineVersion,
		TimingContract: contract.ContractVersion,
		ReplayDigest:   digest,
	}
}

// shutdown finishes the loop safely: the heads go to ALL_RED and the final
// transition is logged before the writer flushes.
func (c *Controller) shutdown(now time.Time) {
	tr := c.machine.ForceAllRed(now, "controller shutdown")
	c.metrics.IncTransition(string(tr.To))
	log.Printf("[controller] %s: shutdown, heads driven to %s",
		c.cfg.Intersection.ID, tr.To)
	row := database.TransitionRow{
		Timestamp:      tr.At,
		IntersectionID: c.cfg.Intersection.ID,
		FromPhase:      string(tr.From),
		ToPhase:        string(tr.To),
		DurationMS:     tr.Duration.Milliseconds(),
		Source:         string(tr.Source),
		Reason:         tr.Reason,
	}
	c.writer.Enqueue("transition", func() error {
		return database.LogTransition(row)
	})
	c.publish(Status{
		State:          c.machine.State(),
		Failsafe:       failsafe.Status{Active: c.supervisor.Active()},
		FailsafeReason: c.supervisor.Reason(),
		TickAt:         now,
	})
}

// publish replaces the readable status and fans it out to stream
// subscribers without ever blocking the tick.
func (c *Controller) publish(st Status) {
	c.mu.Lock()
	c.published = st
	subs := make([]chan Status, 0, len(c.subscribers))
	for ch := range c.subscribers {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- st:
		default:
			// slow consumer misses this tick
		}
	}
}

// Status returns the most recently published controller condition.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Subscribe registers a status stream consumer. The returned cancel func
// must be called when the consumer goes away.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		delete(c.subscribers, ch)
		c.mu.Unlock()
	}
	return ch, cancel
}

// AcceptSnapshot validates and stores an approach snapshot, then queues it
// for the history log. Rejections are counted and returned to the caller.
func (c *Controller) AcceptSnapshot(snap ingest.Snapshot) error {
	if err := c.store.Accept(snap); err != nil {
		c.metrics.IncSnapshotReject()
		return err
	}
	row := database.SnapshotRow{
		Timestamp:         snap.Timestamp,
		IntersectionID:    c.cfg.Intersection.ID,
		ApproachID:        snap.ApproachID,
		VehicleCount:      snap.VehicleCount,
		QueueLength:       snap.QueueLength,
		GrowthRate:        snap.GrowthRate,
		EmergencyDetected: snap.EmergencyDetected,
		Direction:         string(snap.Direction),
	}
	c.writer.Enqueue("snapshot", func() error {
		id, err := database.LogSnapshot(row)
		if err == nil {
			c.lastSnapshotID.Store(id)
		}
		return err
	})
	return nil
}

// TrafficView returns a copy of the current per-approach traffic state.
func (c *Controller) TrafficView(now time.Time) ingest.View {
	return c.store.Snapshot(now)
}

// ReceiveNeighbor feeds an inbound peer exchange payload to the
// coordination table.
func (c *Controller) ReceiveNeighbor(raw []byte) (coord.Message, error) {
	msg, err := c.table.Receive(raw)
	if err != nil {
		c.metrics.IncCoordReject()
		return msg, err
	}
	return msg, nil
}

// Neighbors returns the current coordination table view.
func (c *Controller) Neighbors(now time.Time) map[string]coord.NeighborState {
	return c.table.Neighbors(now)
}

// ComposeNeighborMessage builds the outbound coordination summary from the
// published state and the current traffic view.
func (c *Controller) ComposeNeighborMessage() coord.Message {
	now := time.Now()
	st := c.Status()
	return coord.Message{
		IntersectionID: c.cfg.Intersection.ID,
		Phase:          st.State.ActivePhase,
		CongestionIndex: coord.CongestionIndex(
			c.store.Snapshot(now),
			c.cfg.Ingest.MaxQueueLength,
			c.cfg.Coordination.CongestionWeight,
		),
		Timestamp: now,
	}
}

// ConfigSummary reports the non-sensitive configuration highlights for the
// readiness payload.
func (c *Controller) ConfigSummary() map[string]any {
	return map[string]any{
		"intersection_id": c.cfg.Intersection.ID,
		"approaches":      len(c.cfg.Intersection.Approaches),
		"tick_interval":   c.cfg.Tick.Interval.String(),
		"peers":           len(c.cfg.Coordination.Peers),
	}
}

// SubmitOverride validates and installs an operator command, recording the
// acceptance in the audit log.
func (c *Controller) SubmitOverride(req override.Request, now time.Time) (override.Command, error) {
	cmd, err := c.gateway.Submit(req, now)
	if err != nil {
		c.metrics.IncOverrideReject()
		return override.Command{}, err
	}
	log.Printf("[controller] %s: override %s accepted from %s, expires %s",
		c.cfg.Intersection.ID, cmd.ID, cmd.IssuedBy, cmd.ExpiresAt.Format(time.RFC3339))
	detail := describeOverride(cmd)
	c.writer.Enqueue("audit", func() error {
		return database.LogAuditEvent(cmd.IssuedBy, "override.submit", detail, cmd.ID)
	})
	return cmd, nil
}

// CancelOverride drops the pending override, if any, and audits the
// cancellation.
func (c *Controller) CancelOverride(actor string, now time.Time) bool {
	cmd, has := c.gateway.Active(now)
	if !has || !c.gateway.Cancel() {
		return false
	}
	log.Printf("[controller] %s: override %s cancelled by %s",
		c.cfg.Intersection.ID, cmd.ID, actor)
	c.writer.Enqueue("audit", func() error {
		return database.LogAuditEvent(actor, "override.cancel", "", cmd.ID)
	})
	return true
}

func describeOverride(cmd override.Command) string {
	if cmd.Plan != nil {
		return fmt.Sprintf("fixed plan ns=%s ew=%s", cmd.Plan.NSGreen, cmd.Plan.EWGreen)
	}
	return fmt.Sprintf("force %s", cmd.RequestedPhase)
}
