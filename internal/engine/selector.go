package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/usbmode/internal/audit"
	"github.com/xela07ax/usbmode/internal/device"
	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/policy"
	"go.uber.org/zap"
)

var (
	ErrUnknownFunction      = errors.New("unknown usb function")
	ErrFunctionNotSupported = errors.New("usb function not supported")
)

// DeniedError — отказ политики. errors.Is(err, ErrFunctionNotSupported) == true.
type DeniedError struct {
	Function string
	Reason   policy.DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrFunctionNotSupported, e.Function, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrFunctionNotSupported }

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeTetheringStarted Outcome = "tethering_started"
)

type SelectResult struct {
	Function domain.UsbFunction
	Outcome  Outcome
	TraceID  string
}

// FunctionView — строка списка: функция, доступна ли она и выбрана ли сейчас.
type FunctionView struct {
	domain.UsbFunction
	Supported bool
	Selected  bool
	Reason    policy.DenyReason
}

type ListResult struct {
	Current   domain.UsbFunction
	RawMask   uint64
	Functions []FunctionView
}

type Selector struct {
	queries      device.Queries
	mutator      device.Mutator
	tethering    device.Tethering
	restrictions RestrictionLookup
	sessions     *SessionTracker
	auditor      audit.Auditor
	metrics      *Metrics
	logger       *zap.Logger
}

func NewSelector(
	q device.Queries,
	m device.Mutator,
	t device.Tethering,
	restrictions RestrictionLookup,
	sessions *SessionTracker,
	auditor audit.Auditor,
	metrics *Metrics,
	logger *zap.Logger,
) *Selector {
	return &Selector{
		queries:      q,
		mutator:      m,
		tethering:    t,
		restrictions: restrictions,
		sessions:     sessions,
		auditor:      auditor,
		metrics:      metrics,
		logger:       logger.Named("selector"),
	}
}

// Capabilities собирает снимок для одного решения. Ошибки запросов к устройству
// не прерывают выбор: флаг считается false, маска — 0 (разрешится в "none").
func (s *Selector) Capabilities(ctx context.Context, p domain.Principal) domain.Capabilities {
	caps := domain.Capabilities{IsAdminUser: p.Admin}
	caps.CurrentFunctions = s.currentMask(ctx)
	caps.MIDISupported = s.flag(ctx, "midi_supported", s.queries.MIDISupported)
	caps.TetheringSupported = s.flag(ctx, "tethering_supported", s.queries.TetheringSupported)
	caps.UVCEnabled = s.flag(ctx, "uvc_enabled", s.queries.UVCEnabled)
	caps.UserRestrictions, caps.BaseRestrictions = s.restrictions.Lookup(p.UserID)
	return caps
}

func (s *Selector) flag(ctx context.Context, name string, query func(context.Context) (bool, error)) bool {
	v, err := query(ctx)
	if err != nil {
		s.logger.Warn("capability query failed, treating as unsupported",
			zap.String("capability", name), zap.Error(err))
		return false
	}
	return v
}

func (s *Selector) currentMask(ctx context.Context) uint64 {
	mask, err := s.queries.CurrentFunctions(ctx)
	if err != nil {
		s.logger.Warn("failed to read current usb functions", zap.Error(err))
		return domain.FunctionNone
	}
	return mask
}

// List перечитывает состояние на каждый вызов. all=true добавляет недоступные функции с причиной.
func (s *Selector) List(ctx context.Context, p domain.Principal, all bool) ListResult {
	caps := s.Capabilities(ctx, p)
	current := policy.ResolveCurrent(caps.CurrentFunctions, policy.Supported(caps))

	s.logger.Debug("current usb functions",
		zap.Uint64("mask", caps.CurrentFunctions),
		zap.String("functions", domain.FunctionsToString(caps.CurrentFunctions)),
		zap.String("resolved", current.Name))

	res := ListResult{Current: current, RawMask: caps.CurrentFunctions}
	for _, fn := range domain.AllFunctions() {
		d := policy.Evaluate(fn.Mask, caps)
		if !d.Allowed && !all {
			continue
		}
		res.Functions = append(res.Functions, FunctionView{
			UsbFunction: fn,
			Supported:   d.Allowed,
			Selected:    d.Allowed && fn.Mask == current.Mask,
			Reason:      d.Reason,
		})
	}
	return res
}

func (s *Selector) Select(ctx context.Context, p domain.Principal, name string) (SelectResult, error) {
	start := time.Now()
	traceID := extractTraceID(ctx)
	session := s.sessions.Current()

	event := audit.SelectionEvent{
		ID:        uuid.New().String(),
		TraceID:   traceID,
		SessionID: session.ID,
		UserID:    p.UserID,
		Function:  name,
		Timestamp: start,
	}
	logger := s.logger.With(
		zap.String("trace_id", traceID),
		zap.String("user_id", p.UserID),
		zap.String("function", name))

	// Произвольные имена не должны раздувать кардинальность метрик
	label := "unknown"
	defer func() {
		s.metrics.SelectDuration.WithLabelValues(label, event.Status).Observe(time.Since(start).Seconds())
		s.metrics.Selections.WithLabelValues(label, event.Status).Inc()
	}()

	finish := func(status string) {
		event.Status = status
		event.DurationMs = time.Since(start).Milliseconds()
		s.journal(event)
	}

	// 1. Каноническое имя
	fn, ok := domain.FunctionByName(name)
	if !ok {
		event.Reason = "unknown_function"
		finish(audit.StatusDenied)
		logger.Info("unknown function requested")
		return SelectResult{}, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	event.Mask = fn.Mask
	label = fn.Name

	// 2. Снимок и политика
	caps := s.Capabilities(ctx, p)
	logger.Debug("current usb functions",
		zap.Uint64("mask", caps.CurrentFunctions),
		zap.String("functions", domain.FunctionsToString(caps.CurrentFunctions)))

	if d := policy.Evaluate(fn.Mask, caps); !d.Allowed {
		s.metrics.PolicyDenials.WithLabelValues(fn.Name, string(d.Reason)).Inc()
		event.Reason = string(d.Reason)
		finish(audit.StatusDenied)
		logger.Info("selection denied by policy", zap.String("reason", string(d.Reason)))
		return SelectResult{}, &DeniedError{Function: fn.Name, Reason: d.Reason}
	}

	res := SelectResult{Function: fn, TraceID: traceID}

	// 3. Повторный клик по MTP в режиме accessory ничего не меняет
	if policy.IsClickIgnored(fn.Mask, caps) {
		res.Outcome = OutcomeIgnored
		finish(audit.StatusIgnored)
		logger.Debug("selection ignored in accessory mode")
		return res, nil
	}

	// 4. Тетеринг: асинхронно, с откатом на маску, снятую прямо перед запуском
	if domain.IsTethering(fn.Mask) {
		previous := s.currentMask(ctx)
		event.PreviousMask = previous
		s.tethering.StartTethering(session.Context(), domain.TetheringUSB,
			s.onTetheringFailed(session, event, previous))

		res.Outcome = OutcomeTetheringStarted
		finish(audit.StatusTetheringStarted)
		logger.Info("tethering requested",
			zap.String("previous", domain.FunctionsToString(previous)),
			zap.String("session_id", session.ID))
		return res, nil
	}

	// 5. Остальные функции применяются синхронно
	if err := s.mutator.SetCurrentFunctions(ctx, fn.Mask); err != nil {
		event.Error = err.Error()
		finish(audit.StatusFailed)
		logger.Error("failed to apply usb function", zap.Error(err))
		return SelectResult{}, fmt.Errorf("apply %s: %w", fn.Name, err)
	}

	res.Outcome = OutcomeApplied
	finish(audit.StatusApplied)
	logger.Info("usb function applied")
	return res, nil
}

// onTetheringFailed возвращает колбэк, который откатывает маску ровно один раз.
func (s *Selector) onTetheringFailed(session *Session, started audit.SelectionEvent, previous uint64) func(device.TetheringErrorCode) {
	return func(code device.TetheringErrorCode) {
		start := time.Now()
		tErr := &device.TetheringError{Code: code}

		s.metrics.TetheringFailures.WithLabelValues(strconv.Itoa(int(code))).Inc()

		logger := s.logger.With(
			zap.String("trace_id", started.TraceID),
			zap.String("session_id", session.ID),
			zap.Int("error", int(code)),
			zap.String("previous", domain.FunctionsToString(previous)))
		logger.Warn("onTetheringFailed")

		event := started
		event.ID = uuid.New().String()
		event.ErrorCode = int(code)
		event.Error = tErr.Error()
		event.Timestamp = start

		if !session.Active() {
			event.Status = audit.StatusDiscarded
			s.journal(event)
			s.metrics.Selections.WithLabelValues(started.Function, event.Status).Inc()
			logger.Info("session closed by disconnect, rollback discarded")
			return
		}

		if err := s.mutator.SetCurrentFunctions(session.Context(), previous); err != nil {
			event.Status = audit.StatusFailed
			event.Error = fmt.Sprintf("%s; rollback: %s", tErr.Error(), err.Error())
			logger.Error("failed to restore previous usb functions", zap.Error(err))
		} else {
			event.Status = audit.StatusRolledBack
			logger.Info("previous usb functions restored")
		}
		event.DurationMs = time.Since(start).Milliseconds()
		s.journal(event)
		s.metrics.Selections.WithLabelValues(started.Function, event.Status).Inc()
	}
}

func (s *Selector) journal(event audit.SelectionEvent) {
	s.auditor.Log(event)
	if j, ok := s.auditor.(interface{ Len() int }); ok {
		s.metrics.JournalBufferFill.Set(float64(j.Len()))
	}
}
