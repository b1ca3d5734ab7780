// Package dispatch implements the alert fan-out coordinator: the single
// place that decides what happens when a panic alert fires.
package dispatch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/danilo-araujo0000/boton/internal/directory"
	"github.com/danilo-araujo0000/boton/internal/events"
	"github.com/danilo-araujo0000/boton/internal/logsink"
)

// UnknownRoom is logged and displayed when a sender hostname has no
// directory entry. A missing entry must never block delivery; receivers
// show this sentinel verbatim.
const UnknownRoom = "Sala Desconhecida"

var (
	// ErrMalformedInput rejects submissions with missing fields or a
	// credential that does not match the shared secret.
	ErrMalformedInput = errors.New("malformed submission")

	// ErrDirectoryUnavailable is the only fatal submission failure: without
	// the directory no destination can be resolved.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// Submission is the raw alert input from a sender.
type Submission struct {
	Hostname string
	Code     string
	Username string
}

// Resolved is a submission enriched by directory lookup. EventID correlates
// every per-destination log row belonging to one alert occurrence.
type Resolved struct {
	Room     string
	Username string
	Code     string
	EventID  string
}

// Destination is one station an alert is delivered to.
type Destination struct {
	Addr string
	Name string
}

// Status classifies the outcome of one delivery attempt.
type Status string

const (
	StatusDelivered       Status = "DELIVERED"
	StatusHTTPError       Status = "HTTP_ERROR"
	StatusTimeout         Status = "TIMEOUT"
	StatusConnectionError Status = "CONNECTION_ERROR"
	StatusUnknownError    Status = "UNKNOWN_ERROR"
)

// Result is the sender-facing answer. It reports acceptance of the alert
// for processing, never per-destination delivery success.
type Result struct {
	Accepted bool
	EventID  string
}

// Dispatcher delivers a resolved alert to one destination. Implementations
// must respect ctx's deadline.
type Dispatcher interface {
	Deliver(ctx context.Context, dest Destination, alert Resolved) error
}

// DestinationSource enumerates the current destination set. The HTTP relay
// reads the directory fresh per alert; the broker answers from its
// connection registry.
type DestinationSource interface {
	List(ctx context.Context) ([]Destination, error)
}

// Recorder receives operational counters. A no-op implementation is used
// when metrics are disabled.
type Recorder interface {
	RecordAccepted()
	RecordRejected()
	RecordDelivered()
	RecordFailed()
}

// NoOpRecorder discards all counter updates.
type NoOpRecorder struct{}

func (NoOpRecorder) RecordAccepted()  {}
func (NoOpRecorder) RecordRejected()  {}
func (NoOpRecorder) RecordDelivered() {}
func (NoOpRecorder) RecordFailed()    {}

// EventPublisher announces fired alerts to downstream consumers (the admin
// dashboard). Publication is best-effort: a broker outage never affects the
// submission result.
type EventPublisher interface {
	PublishAlertFired(ctx context.Context, fired events.AlertFired) error
}

// StatusError is returned by dispatchers when a destination answered with a
// non-success protocol status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("destination returned status %d", e.Code)
}

// Coordinator resolves, fans out and records panic alerts.
type Coordinator struct {
	directory    directory.Store
	sink         logsink.Sink
	dispatcher   Dispatcher
	destinations DestinationSource
	secret       []byte

	dispatchTimeout time.Duration
	fanoutDeadline  time.Duration

	metrics   Recorder
	publisher EventPublisher
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithPublisher attaches an alert event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// NewCoordinator creates a coordinator.
//
// dispatchTimeout bounds one delivery attempt; fanoutDeadline is the hard
// ceiling on the whole fan-out, after which still-pending destinations are
// recorded as timed out and abandoned.
func NewCoordinator(
	store directory.Store,
	sink logsink.Sink,
	dispatcher Dispatcher,
	destinations DestinationSource,
	secret string,
	dispatchTimeout time.Duration,
	fanoutDeadline time.Duration,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		directory:       store,
		sink:            sink,
		dispatcher:      dispatcher,
		destinations:    destinations,
		secret:          []byte(secret),
		dispatchTimeout: dispatchTimeout,
		fanoutDeadline:  fanoutDeadline,
		metrics:         NoOpRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitAlert validates a submission, resolves it against the directory,
// fans it out to every destination concurrently and records one outcome row
// per destination, all sharing one event ID.
//
// Per-destination failures never fail the submission; the only fatal errors
// are ErrMalformedInput and ErrDirectoryUnavailable.
func (c *Coordinator) SubmitAlert(ctx context.Context, sub Submission) (Result, error) {
	if err := c.validate(sub); err != nil {
		c.metrics.RecordRejected()
		slog.Warn("Rejected alert submission",
			"hostname", sub.Hostname,
			"username", sub.Username,
			"error", err,
		)
		return Result{}, err
	}

	room, err := c.resolveRoom(ctx, sub.Hostname)
	if err != nil {
		c.metrics.RecordRejected()
		return Result{}, err
	}

	alert := Resolved{
		Room:     room,
		Username: c.resolveUsername(ctx, sub.Username),
		Code:     sub.Code,
		EventID:  uuid.NewString(),
	}

	dests, err := c.destinations.List(ctx)
	if err != nil {
		c.metrics.RecordRejected()
		slog.Error("Failed to enumerate destinations", "error", err)
		c.appendSystemEvent(ctx, fmt.Sprintf("destination enumeration failed: %v", err))
		return Result{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	slog.Info("Alert accepted",
		"event_id", alert.EventID,
		"hostname", sub.Hostname,
		"room", alert.Room,
		"username", alert.Username,
		"destinations", len(dests),
	)
	c.metrics.RecordAccepted()

	if len(dests) == 0 {
		c.appendSystemEvent(ctx, fmt.Sprintf(
			"alert %s from %s (%s): no destinations registered", alert.EventID, sub.Hostname, alert.Room))
	} else {
		c.fanOut(ctx, sub, alert, dests)
	}

	c.publish(ctx, alert, sub.Hostname, len(dests))

	return Result{Accepted: true, EventID: alert.EventID}, nil
}

// validate checks required fields and the shared secret. The credential
// check is a flat comparison against one static secret: any sender holding
// it is authorized.
func (c *Coordinator) validate(sub Submission) error {
	if sub.Hostname == "" {
		return fmt.Errorf("%w: hostname is required", ErrMalformedInput)
	}
	if sub.Username == "" {
		return fmt.Errorf("%w: username is required", ErrMalformedInput)
	}
	if sub.Code == "" {
		return fmt.Errorf("%w: code is required", ErrMalformedInput)
	}
	if subtle.ConstantTimeCompare([]byte(sub.Code), c.secret) != 1 {
		return fmt.Errorf("%w: invalid code", ErrMalformedInput)
	}
	return nil
}

// resolveRoom maps a hostname to its room name. A missing entry falls back
// to the UnknownRoom sentinel; only an unreachable directory is fatal.
func (c *Coordinator) resolveRoom(ctx context.Context, hostname string) (string, error) {
	room, found, err := c.directory.LookupRoom(ctx, hostname)
	if err != nil {
		slog.Error("Directory lookup failed", "hostname", hostname, "error", err)
		c.appendSystemEvent(ctx, fmt.Sprintf("directory lookup failed for %s: %v", hostname, err))
		return "", fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if !found {
		slog.Warn("No room registered for sender", "hostname", hostname)
		return UnknownRoom, nil
	}
	return room, nil
}

// resolveUsername maps a login to a display name, best-effort. Lookup
// failures fall back to the raw username rather than blocking the alert.
func (c *Coordinator) resolveUsername(ctx context.Context, username string) string {
	name, found, err := c.directory.LookupDisplayName(ctx, username)
	if err != nil {
		slog.Warn("User lookup failed, keeping raw username", "username", username, "error", err)
		return username
	}
	if !found {
		return username
	}
	return name
}

type attempt struct {
	dest   Destination
	status Status
}

// fanOut dispatches the alert to every destination concurrently, one
// goroutine per destination with an independent timeout, and records one
// outcome row per destination before returning. A destination still pending
// at the fan-out deadline is recorded as timed out and abandoned; its result
// channel slot is buffered so the goroutine never leaks blocked.
func (c *Coordinator) fanOut(ctx context.Context, sub Submission, alert Resolved, dests []Destination) {
	results := make(chan attempt, len(dests))

	for _, dest := range dests {
		go func(dest Destination) {
			dctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
			defer cancel()

			err := c.dispatcher.Deliver(dctx, dest, alert)
			results <- attempt{dest: dest, status: classify(err)}
		}(dest)
	}

	deadline := time.NewTimer(c.fanoutDeadline)
	defer deadline.Stop()

	seen := make(map[string]bool, len(dests))
	pending := len(dests)

collect:
	for pending > 0 {
		select {
		case a := <-results:
			seen[a.dest.Addr] = true
			pending--
			c.recordOutcome(ctx, sub, alert, a.dest, a.status)
		case <-deadline.C:
			break collect
		}
	}

	for _, dest := range dests {
		if !seen[dest.Addr] {
			slog.Warn("Destination still pending at fan-out deadline",
				"event_id", alert.EventID,
				"destination", dest.Addr,
			)
			c.recordOutcome(ctx, sub, alert, dest, StatusTimeout)
		}
	}
}

// recordOutcome writes one delivery row. Sink failures are absorbed: the log
// must never take down alert processing.
func (c *Coordinator) recordOutcome(ctx context.Context, sub Submission, alert Resolved, dest Destination, status Status) {
	if status == StatusDelivered {
		c.metrics.RecordDelivered()
		slog.Info("Alert delivered",
			"event_id", alert.EventID,
			"destination", dest.Addr,
		)
	} else {
		c.metrics.RecordFailed()
		slog.Warn("Alert delivery failed",
			"event_id", alert.EventID,
			"destination", dest.Addr,
			"status", string(status),
		)
	}

	outcome := logsink.Outcome{
		EventID:     alert.EventID,
		Destination: dest.Addr,
		CallerHost:  sub.Hostname,
		Room:        alert.Room,
		Username:    alert.Username,
		DeliveredAt: time.Now().UTC(),
		Status:      string(status),
	}
	if err := c.sink.AppendDeliveryOutcome(ctx, outcome); err != nil {
		slog.Error("Failed to append delivery outcome",
			"event_id", alert.EventID,
			"destination", dest.Addr,
			"error", err,
		)
	}
}

func (c *Coordinator) appendSystemEvent(ctx context.Context, message string) {
	slog.Warn("System event", "message", message)
	if err := c.sink.AppendSystemEvent(ctx, message); err != nil {
		slog.Error("Failed to append system event", "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, alert Resolved, hostname string, destinations int) {
	if c.publisher == nil {
		return
	}
	fired := events.AlertFired{
		EventID:       alert.EventID,
		Room:          alert.Room,
		Hostname:      hostname,
		Username:      alert.Username,
		Destinations:  destinations,
		FiredAt:       time.Now().Unix(),
		SchemaVersion: events.SchemaVersion,
	}
	if err := c.publisher.PublishAlertFired(ctx, fired); err != nil {
		slog.Error("Failed to publish alert fired event", "event_id", alert.EventID, "error", err)
	}
}

// classify maps a delivery error to an outcome status.
func classify(err error) Status {
	if err == nil {
		return StatusDelivered
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return StatusHTTPError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return StatusTimeout
		}
		return StatusConnectionError
	}

	return StatusUnknownError
}
