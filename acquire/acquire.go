/*Package acquire owns the acquisition loop of the bench.

One goroutine, started by Manager.Start, owns the serial channel for its
whole life.  It triggers an acquisition each cycle, decodes the response,
converts the codes to voltages with the gains in force at that instant and
fans the resulting immutable sample out to live subscribers, the ring
buffers and, during an export, the streaming exporter.

Every externally requested action (configuration update, export begin and
end, stop) travels to that goroutine over a request channel and is executed
between two acquisition cycles.  That single rule gives the protocol its
safety: a register write can never land while a response frame is in
flight, and the pause/apply/verify/rollback sequence runs with the line
quiet.
*/
package acquire

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/brandondube/ringo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/efield-lab/goaefi/ads131"
	"github.com/efield-lab/goaefi/comm"
	"github.com/efield-lab/goaefi/export"
	"github.com/efield-lab/goaefi/mcu"
	"github.com/efield-lab/goaefi/sample"
	"github.com/efield-lab/goaefi/stage"
)

// Mode is the acquisition state.  Exactly one mode is active at any
// instant.
type Mode int

// The acquisition modes.
const (
	ModeStopped Mode = iota
	ModeExploration
	ModePausingForReconfig
	ModeExport
)

func (m Mode) String() string {
	switch m {
	case ModeStopped:
		return "stopped"
	case ModeExploration:
		return "exploration"
	case ModePausingForReconfig:
		return "pausing-for-reconfig"
	case ModeExport:
		return "export"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Sentinel errors of the manager's public surface.
var (
	// ErrConfigurationRejected wraps any cause that made a configuration
	// update fail; the hardware has been rolled back to the previous
	// values when it is returned.
	ErrConfigurationRejected = errors.New("acquire: configuration rejected")

	// ErrNotRunning is returned by operations that need a running loop.
	ErrNotRunning = errors.New("acquire: manager is not running")

	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("acquire: manager already started")

	// ErrNoExport is returned by EndExport outside of Export mode.
	ErrNoExport = errors.New("acquire: no export session is active")

	// ErrExportActive is returned by BeginExport during Export mode.
	ErrExportActive = errors.New("acquire: an export session is already active")

	// ErrHardwareLost is surfaced after the read-timeout budget is spent.
	ErrHardwareLost = errors.New("acquire: hardware disconnected")
)

// EventKind labels the entries of the manager's event stream.
type EventKind int

// The event kinds.
const (
	EventModeChange EventKind = iota
	EventConfigApplied
	EventConfigRejected
	EventCommunicationError
	EventHardwareLost
	EventBackpressureDrop
	EventExportStarted
	EventExportFinished
)

func (k EventKind) String() string {
	switch k {
	case EventModeChange:
		return "mode-change"
	case EventConfigApplied:
		return "config-applied"
	case EventConfigRejected:
		return "config-rejected"
	case EventCommunicationError:
		return "communication-error"
	case EventHardwareLost:
		return "hardware-lost"
	case EventBackpressureDrop:
		return "backpressure-drop"
	case EventExportStarted:
		return "export-started"
	case EventExportFinished:
		return "export-finished"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one entry of the manager's notification stream.
type Event struct {
	Kind    EventKind
	Mode    Mode
	Time    time.Time
	Err     error
	Summary *export.Summary
}

// Export format names accepted by ExportOptions.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// ExportOptions parameterizes one export session.
type ExportOptions struct {
	// Dir is the output directory; Name the file name.  An empty Name
	// yields a timestamped one.
	Dir  string
	Name string

	// Format selects the recorder, FormatCSV by default.
	Format string

	// SwapThreshold and AppendWait tune the double buffer; zero values
	// take the exporter defaults.
	SwapThreshold int
	AppendWait    time.Duration

	// Duration, when positive, auto-ends the session after it elapses.
	Duration time.Duration
}

// Options configures a Manager.
type Options struct {
	// Channel is the serial link to the board.  The manager takes
	// exclusive ownership and closes it on Stop.
	Channel comm.Channel

	// Layout holds the response frame widths.
	Layout mcu.FrameLayout

	// Motion annotates samples with trajectory segments; nil means no
	// stage attached.
	Motion stage.MotionPort

	// Logger receives the loop's structured log. nil means silent.
	Logger *zap.Logger

	// PollHz caps the trigger rate.  Zero means 50 Hz.
	PollHz float64

	// ReadTimeout bounds each fixed-width serial read.  Zero means 500ms.
	ReadTimeout time.Duration

	// RetryBudget is the number of consecutive protocol errors tolerated
	// before a CommunicationError is surfaced.  Zero means 3.
	RetryBudget int

	// TimeoutBudget is the number of consecutive read timeouts tolerated
	// before the hardware is declared disconnected.  Zero means 5.
	TimeoutBudget int

	// RingDepth is the live ring buffer capacity.  Zero means 2048.
	RingDepth int

	// Metrics receives the loop's instrumentation; nil creates an
	// unregistered set.
	Metrics *Metrics

	// Config is the initial configuration; the zero value takes
	// DefaultConfig.
	Config *Config
}

// Manager owns the polling loop, the live configuration and the mode state
// machine.  All methods are safe for concurrent use.
type Manager struct {
	ch      comm.Channel
	layout  mcu.FrameLayout
	motion  stage.MotionPort
	log     *zap.Logger
	limiter *rate.Limiter
	metrics *Metrics

	readTimeout   time.Duration
	retryBudget   int
	timeoutBudget int

	reqs chan request
	done chan struct{}

	// everything below mu is shared with reader methods; the loop is the
	// only writer.
	mu       sync.Mutex
	mode     Mode
	live     Config
	frozen   *Config
	session  *export.Session
	deadline time.Time
	segment  stage.SegmentUpdate
	subs     map[int]chan sample.Sample
	nextSub  int
	rings    []ringo.CircleF64
	tRing    ringo.CircleF64

	// loop-private state
	seq              uint64
	startTime        time.Time
	firstAfterResume bool
	retryStreak      int
	timeoutStreak    int
	quit             bool
	started          bool
	events           chan Event
}

type reqKind int

const (
	reqUpdate reqKind = iota
	reqBeginExport
	reqEndExport
	reqStop
)

type request struct {
	kind   reqKind
	patch  Patch
	export ExportOptions
	reply  chan reply
}

type reply struct {
	err     error
	path    string
	summary export.Summary
}

// New creates a Manager around an open channel.  Call Start to begin
// acquisition.
func New(o Options) *Manager {
	if o.PollHz <= 0 {
		o.PollHz = 50
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 500 * time.Millisecond
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 3
	}
	if o.TimeoutBudget <= 0 {
		o.TimeoutBudget = 5
	}
	if o.RingDepth <= 0 {
		o.RingDepth = 2048
	}
	if o.Motion == nil {
		o.Motion = stage.Null{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	cfg := DefaultConfig()
	if o.Config != nil {
		cfg = *o.Config
	}
	m := &Manager{
		ch:            o.Channel,
		layout:        o.Layout,
		motion:        o.Motion,
		log:           o.Logger,
		limiter:       rate.NewLimiter(rate.Limit(o.PollHz), 1),
		metrics:       o.Metrics,
		readTimeout:   o.ReadTimeout,
		retryBudget:   o.RetryBudget,
		timeoutBudget: o.TimeoutBudget,
		reqs:          make(chan request),
		done:          make(chan struct{}),
		mode:          ModeStopped,
		live:          cfg,
		subs:          make(map[int]chan sample.Sample),
		rings:         make([]ringo.CircleF64, o.Layout.Channels),
		events:        make(chan Event, 64),
	}
	for i := range m.rings {
		m.rings[i].Init(o.RingDepth)
	}
	m.tRing.Init(o.RingDepth)
	return m
}

// Start programs the hardware with the initial configuration and launches
// the polling loop, entering Exploration.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.started = true
	m.mu.Unlock()

	// on any bring-up failure the manager must end up stoppable and
	// restartable, so the started mark is taken back
	abort := func(err error) error {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}
	cmds, err := m.liveConfig().Commands()
	if err != nil {
		return abort(err)
	}
	for _, cmd := range cmds {
		if err := m.ch.Write(mcu.EncodeWrite(cmd)); err != nil {
			return abort(fmt.Errorf("acquire: initial register program: %w", err))
		}
	}
	if err := m.ch.FlushInput(); err != nil {
		return abort(fmt.Errorf("acquire: flush after program: %w", err))
	}

	m.startTime = time.Now()
	m.setMode(ModeExploration)
	go m.run()
	m.log.Info("acquisition started",
		zap.Float64("pollHz", float64(m.limiter.Limit())),
		zap.String("configHash", m.liveConfig().Hash()))
	return nil
}

// Stop ends any export session, halts the loop, joins it and releases the
// serial channel.  Stopping a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}
	r, err := m.send(request{kind: reqStop})
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	<-m.done
	return r.err
}

// UpdateConfiguration applies a partial configuration change through the
// pause/apply/verify protocol.  On any verification failure the hardware
// is rolled back and ErrConfigurationRejected is returned; the live
// configuration is unchanged.
func (m *Manager) UpdateConfiguration(p Patch) error {
	r, err := m.send(request{kind: reqUpdate, patch: p})
	if err != nil {
		return err
	}
	return r.err
}

// BeginExport freezes the live configuration and starts streaming samples
// to disk.  It returns the output file path.
func (m *Manager) BeginExport(o ExportOptions) (string, error) {
	r, err := m.send(request{kind: reqBeginExport, export: o})
	if err != nil {
		return "", err
	}
	return r.path, r.err
}

// EndExport finalizes the current session and returns its summary.  When
// it returns without error, every sample the session accepted is on disk.
func (m *Manager) EndExport() (export.Summary, error) {
	r, err := m.send(request{kind: reqEndExport})
	if err != nil {
		return export.Summary{}, err
	}
	return r.summary, r.err
}

func (m *Manager) send(req request) (reply, error) {
	req.reply = make(chan reply, 1)
	select {
	case m.reqs <- req:
	case <-m.done:
		return reply{}, ErrNotRunning
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-m.done:
		return reply{}, ErrNotRunning
	}
}

// Subscribe registers a live sample consumer.  The channel holds depth
// samples; when a consumer falls behind, samples destined for it are
// discarded rather than blocking the loop.  The returned cancel function
// unregisters and closes the channel.
func (m *Manager) Subscribe(depth int) (<-chan sample.Sample, func()) {
	if depth <= 0 {
		depth = 64
	}
	ch := make(chan sample.Sample, depth)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Events exposes the manager's notification stream.  The channel is
// buffered; events beyond the buffer are dropped.
func (m *Manager) Events() <-chan Event { return m.events }

// Mode reports the current acquisition mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Config returns a copy of the live configuration.
func (m *Manager) Config() Config { return m.liveConfig() }

func (m *Manager) liveConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// RingView is a JSON-friendly snapshot of the recent-sample ring buffers.
type RingView struct {
	T        []float64            `json:"t_rel_s"`
	Channels map[string][]float64 `json:"channels"`
}

// Ring snapshots the live ring buffers.
func (m *Manager) Ring() RingView {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := RingView{
		T:        m.tRing.Contiguous(),
		Channels: make(map[string][]float64, len(m.rings)),
	}
	for i := range m.rings {
		v.Channels[fmt.Sprintf("ch%d", i+1)] = m.rings[i].Contiguous()
	}
	return v
}

// ExportStatus describes a running export session.
type ExportStatus struct {
	Path       string     `json:"path"`
	Written    uint64     `json:"samplesWritten"`
	Dropped    uint64     `json:"samplesDropped"`
	ConfigHash string     `json:"configHash"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// Status is the manager's externally visible state.
type Status struct {
	Mode       string        `json:"mode"`
	NextIndex  uint64        `json:"nextIndex"`
	ConfigHash string        `json:"configHash"`
	Export     *ExportStatus `json:"export,omitempty"`
}

// Status reports the current state for the HTTP surface.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Mode:       m.mode.String(),
		NextIndex:  m.seq,
		ConfigHash: m.live.Hash(),
	}
	if m.session != nil && m.frozen != nil {
		es := &ExportStatus{
			Written:    m.session.Written(),
			Dropped:    m.session.Dropped(),
			ConfigHash: m.frozen.Hash(),
		}
		if !m.deadline.IsZero() {
			d := m.deadline
			es.Deadline = &d
		}
		s.Export = es
	}
	return s
}

func (m *Manager) setMode(mode Mode) {
	m.mu.Lock()
	changed := m.mode != mode
	m.mode = mode
	m.mu.Unlock()
	if changed {
		m.metrics.Mode.Set(float64(mode))
		m.emit(Event{Kind: EventModeChange, Mode: mode})
	}
}

func (m *Manager) emit(e Event) {
	e.Time = time.Now()
	if e.Mode == 0 && e.Kind != EventModeChange {
		e.Mode = m.Mode()
	}
	select {
	case m.events <- e:
	default:
		// consumers that never drain lose events, not samples
	}
}

// run is the polling loop.  It is the only goroutine that touches the
// serial channel after Start returns.
func (m *Manager) run() {
	defer close(m.done)
	segments := m.motion.Segments()
	for !m.quit {
		select {
		case req := <-m.reqs:
			m.handle(req)
			continue
		case seg, ok := <-segments:
			if ok {
				m.mu.Lock()
				m.segment = seg
				m.mu.Unlock()
			} else {
				segments = nil
			}
			continue
		default:
		}
		if err := m.limiter.Wait(context.Background()); err != nil {
			return
		}
		m.pollOnce()
	}
}

func (m *Manager) handle(req request) {
	var r reply
	switch req.kind {
	case reqUpdate:
		r.err = m.applyUpdate(req.patch)
	case reqBeginExport:
		r.path, r.err = m.beginExport(req.export)
	case reqEndExport:
		r.summary, r.err = m.endExport(nil)
	case reqStop:
		if m.exporting() {
			_, r.err = m.endExport(nil)
		}
		m.setMode(ModeStopped)
		if err := m.ch.Close(); err != nil && r.err == nil {
			r.err = err
		}
		m.quit = true
		m.log.Info("acquisition stopped", zap.Uint64("samples", m.seq))
	}
	if req.reply != nil {
		req.reply <- r
	}
}

func (m *Manager) exporting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// pollOnce performs one full acquisition cycle: trigger, read, decode,
// convert, publish.
func (m *Manager) pollOnce() {
	cfg := m.effectiveConfig()
	frame, err := m.exchangeFrame(cfg.AverageCount)
	if err != nil {
		m.handleAcqError(err)
		return
	}
	volts, err := ads131.ConvertAll(frame.Codes, cfg.GainTable(len(frame.Codes)), cfg.Vref)
	if err != nil {
		// an out-of-range code means the frame cannot be trusted
		m.handleAcqError(err)
		return
	}
	m.retryStreak, m.timeoutStreak = 0, 0

	field := make([]float64, len(volts))
	for i, v := range volts {
		field[i] = ads131.ToField(v, cfg.FieldFactor)
	}

	m.mu.Lock()
	s := sample.Sample{
		Seq:              m.seq,
		T:                time.Since(m.startTime).Seconds(),
		Codes:            frame.Codes,
		Volts:            volts,
		Field:            field,
		Segment:          m.segment.ID,
		ActiveLine:       m.segment.ActiveLine,
		FirstAfterResume: m.firstAfterResume,
	}
	m.seq++
	m.firstAfterResume = false
	m.tRing.Append(s.T)
	for i := range m.rings {
		if i < len(volts) {
			m.rings[i].Append(volts[i])
		}
	}
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
	session := m.session
	deadline := m.deadline
	m.mu.Unlock()

	m.metrics.Samples.Inc()
	if session != nil {
		if !session.Offer(s) {
			if werr := session.Err(); werr != nil {
				// disk failure is fatal for the session only; finalize
				// with what is on disk, acquisition continues
				_, eerr := m.endExport(werr)
				m.log.Error("export ended by disk write failure", zap.Error(eerr))
				return
			}
			m.metrics.Drops.Inc()
			m.emit(Event{Kind: EventBackpressureDrop})
			m.log.Warn("sample dropped under backpressure", zap.Uint64("seq", s.Seq))
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			if _, err := m.endExport(nil); err != nil {
				m.log.Error("auto-ending export failed", zap.Error(err))
			}
		}
	}
}

// effectiveConfig is the frozen configuration during Export, the live one
// otherwise.
func (m *Manager) effectiveConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen != nil {
		return *m.frozen
	}
	return m.live
}

// exchangeFrame issues one trigger and reads back both response segments.
func (m *Manager) exchangeFrame(avg uint32) (mcu.RawFrame, error) {
	if err := m.ch.Write(mcu.EncodeTrigger(avg)); err != nil {
		return mcu.RawFrame{}, err
	}
	echo, err := m.ch.ReadExact(m.layout.EchoLen, m.readTimeout)
	if err != nil {
		return mcu.RawFrame{}, err
	}
	data, err := m.ch.ReadExact(m.layout.DataLen, m.readTimeout)
	if err != nil {
		return mcu.RawFrame{}, err
	}
	return mcu.DecodeAcquisitionFrame(m.layout, echo, data, avg)
}

func (m *Manager) handleAcqError(err error) {
	if errors.Is(err, comm.ErrReadTimeout) || errors.Is(err, comm.ErrNotConnected) {
		m.timeoutStreak++
		m.metrics.Timeouts.Inc()
		m.log.Warn("acquisition read timed out",
			zap.Int("streak", m.timeoutStreak), zap.Error(err))
		if m.timeoutStreak >= m.timeoutBudget {
			m.hardwareLost(err)
		}
		return
	}

	// protocol-level damage: drop whatever is left of the frame and retry
	m.retryStreak++
	m.metrics.Retries.Inc()
	if ferr := m.ch.FlushInput(); ferr != nil {
		m.log.Warn("flush after bad frame failed", zap.Error(ferr))
	}
	m.log.Warn("discarded malformed frame",
		zap.Int("streak", m.retryStreak), zap.Error(err))
	if m.retryStreak < m.retryBudget {
		return
	}
	m.retryStreak = 0
	cerr := fmt.Errorf("acquire: communication error after %d consecutive bad frames: %w", m.retryBudget, err)
	m.emit(Event{Kind: EventCommunicationError, Err: cerr})
	if m.exporting() {
		// never lose what is already buffered
		if _, eerr := m.endExport(cerr); eerr != nil {
			m.log.Error("emergency export finalize failed", zap.Error(eerr))
		}
	}
}

// hardwareLost finalizes any export with what was captured, then stops.
func (m *Manager) hardwareLost(cause error) {
	err := fmt.Errorf("%w: %v", ErrHardwareLost, cause)
	m.log.Error("hardware disconnected", zap.Error(cause))
	if m.exporting() {
		if _, eerr := m.endExport(err); eerr != nil {
			m.log.Error("finalizing export after disconnect failed", zap.Error(eerr))
		}
	}
	m.emit(Event{Kind: EventHardwareLost, Err: err})
	m.setMode(ModeStopped)
	m.ch.Close()
	m.quit = true
}

// applyUpdate runs the pause/apply/verify/rollback sequence.  It executes
// between two acquisition cycles, so the line is quiet for its whole
// duration.
func (m *Manager) applyUpdate(p Patch) error {
	if m.exporting() {
		return fmt.Errorf("%w: configuration is frozen during export", ErrConfigurationRejected)
	}
	m.setMode(ModePausingForReconfig)
	defer m.setMode(ModeExploration)

	prev := m.liveConfig()
	next, err := p.Apply(prev)
	if err != nil {
		m.metrics.Rejected.Inc()
		m.emit(Event{Kind: EventConfigRejected, Err: err})
		return fmt.Errorf("%w: %v", ErrConfigurationRejected, err)
	}
	delta, err := next.Delta(prev)
	if err != nil {
		m.metrics.Rejected.Inc()
		return fmt.Errorf("%w: %v", ErrConfigurationRejected, err)
	}
	if len(delta) == 0 {
		// nothing register-backed changed; trigger-frame parameters like
		// the averaging count take effect on the next cycle
		m.mu.Lock()
		m.live = next
		m.mu.Unlock()
		if next != prev {
			m.emit(Event{Kind: EventConfigApplied})
		}
		return nil
	}

	if err := m.applyVerified(delta); err == nil {
		// one throwaway acquisition with the new settings before
		// trusting resumed data
		_, err = m.exchangeFrame(next.AverageCount)
	}
	if err != nil {
		m.rollback(prev, delta)
		m.metrics.Rejected.Inc()
		m.emit(Event{Kind: EventConfigRejected, Err: err})
		m.log.Warn("configuration rejected, hardware rolled back", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrConfigurationRejected, err)
	}

	m.mu.Lock()
	m.live = next
	m.firstAfterResume = true
	m.mu.Unlock()
	m.emit(Event{Kind: EventConfigApplied})
	m.log.Info("configuration applied",
		zap.Int("registerWrites", len(delta)),
		zap.String("configHash", next.Hash()))
	return nil
}

// applyVerified writes each register and reads it back, stopping at the
// first mismatch or transport error.
func (m *Manager) applyVerified(cmds []mcu.RegisterCommand) error {
	for _, cmd := range cmds {
		if err := m.ch.Write(mcu.EncodeWrite(cmd)); err != nil {
			return err
		}
		if err := m.ch.Write(mcu.EncodeVerify(cmd.Address)); err != nil {
			return err
		}
		raw, err := m.ch.ReadExact(m.layout.VerifyLen, m.readTimeout)
		if err != nil {
			return err
		}
		got, err := mcu.DecodeVerifyFrame(m.layout, raw)
		if err != nil {
			return err
		}
		if got != cmd.Value {
			return &mcu.VerifyMismatchError{Address: cmd.Address, Want: cmd.Value, Got: got}
		}
	}
	return nil
}

// rollback restores the last-known-good values of every register the
// failed update may have touched.  Best effort; failures are logged, not
// returned, because the caller is already on the rejection path.
func (m *Manager) rollback(prev Config, attempted []mcu.RegisterCommand) {
	old, err := prev.Commands()
	if err != nil {
		m.log.Error("rollback could not re-derive register program", zap.Error(err))
		return
	}
	was := make(map[uint16]uint32, len(old))
	for _, cmd := range old {
		was[cmd.Address] = cmd.Value
	}
	for _, cmd := range attempted {
		v, ok := was[cmd.Address]
		if !ok {
			continue
		}
		if err := m.ch.Write(mcu.EncodeWrite(mcu.RegisterCommand{Address: cmd.Address, Value: v})); err != nil {
			m.log.Error("rollback write failed",
				zap.Uint16("address", cmd.Address), zap.Error(err))
			return
		}
	}
	if err := m.ch.FlushInput(); err != nil {
		m.log.Warn("flush after rollback failed", zap.Error(err))
	}
}

func (m *Manager) beginExport(o ExportOptions) (string, error) {
	if m.exporting() {
		return "", ErrExportActive
	}

	frozen := m.liveConfig()
	hash := frozen.Hash()
	if o.Format == "" {
		o.Format = FormatCSV
	}
	name := o.Name
	if name == "" {
		name = "aefi_" + time.Now().Format("20060102_150405")
	}
	start := time.Now()
	meta := frozen.Meta()
	meta["started_at"] = start.UTC().Format(time.RFC3339Nano)
	meta["format"] = o.Format
	if pos, err := m.motion.CurrentPosition(); err == nil {
		meta["stage_x_mm"] = fmt.Sprintf("%g", pos.X)
		meta["stage_y_mm"] = fmt.Sprintf("%g", pos.Y)
		meta["stage_z_mm"] = fmt.Sprintf("%g", pos.Z)
	}

	var (
		rec  export.Recorder
		err  error
		path string
	)
	switch o.Format {
	case FormatCSV:
		path = filepath.Join(o.Dir, name+".csv")
		rec, err = export.NewCSVRecorder(path, m.layout.Channels, meta)
	case FormatParquet:
		path = filepath.Join(o.Dir, name+".parquet")
		rec, err = export.NewParquetRecorder(path, meta)
	default:
		return "", fmt.Errorf("acquire: unknown export format %q", o.Format)
	}
	if err != nil {
		return "", err
	}

	session := export.NewSession(rec, export.Config{
		SwapThreshold: o.SwapThreshold,
		AppendWait:    o.AppendWait,
		ConfigHash:    hash,
	})

	m.mu.Lock()
	m.frozen = &frozen
	m.session = session
	if o.Duration > 0 {
		m.deadline = start.Add(o.Duration)
	} else {
		m.deadline = time.Time{}
	}
	m.mu.Unlock()
	m.setMode(ModeExport)
	m.emit(Event{Kind: EventExportStarted})
	m.log.Info("export started",
		zap.String("path", path),
		zap.String("format", o.Format),
		zap.String("configHash", hash))
	return path, nil
}

// endExport finalizes the session and returns to Exploration.  cause is
// non-nil when the end is an emergency (communication failure, disconnect)
// and is attached to the finished event.
func (m *Manager) endExport(cause error) (export.Summary, error) {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.frozen = nil
	m.deadline = time.Time{}
	m.mu.Unlock()
	if session == nil {
		return export.Summary{}, ErrNoExport
	}

	summary, err := session.Stop()
	m.setMode(ModeExploration)
	ev := Event{Kind: EventExportFinished, Summary: &summary, Err: cause}
	if err != nil && cause == nil {
		ev.Err = err
	}
	m.emit(ev)
	if err != nil {
		// the partially written file path travels with the error
		m.log.Error("export finalize failed",
			zap.String("path", summary.Path), zap.Error(err))
		return summary, fmt.Errorf("acquire: export to %s: %w", summary.Path, err)
	}
	m.log.Info("export finished",
		zap.String("path", summary.Path),
		zap.Uint64("samplesWritten", summary.SamplesWritten),
		zap.Uint64("samplesDropped", summary.Dropped))
	return summary, nil
}
