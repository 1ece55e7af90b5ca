// Package memory holds in-process alert, tenant and blob stores for
// development and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// AlertStore keeps alerts in memory for development and tests. Terminal
// statuses are sticky.
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]capture.Alert
	now    func() time.Time
}

// NewAlertStore constructs an AlertStore. A nil clock uses the wall clock.
func NewAlertStore(clock capture.Clock) *AlertStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &AlertStore{
		alerts: make(map[string]capture.Alert),
		now:    now,
	}
}

// CreateAlert stores a new alert and returns it with timestamps stamped.
func (s *AlertStore) CreateAlert(_ context.Context, alert capture.Alert) (capture.Alert, error) {
	if alert.ID == "" {
		return capture.Alert{}, errors.New("alert id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return capture.Alert{}, errors.New("alert already exists")
	}
	ts := s.now()
	alert.CreatedAt = ts
	alert.UpdatedAt = ts
	if alert.Timestamp.IsZero() {
		alert.Timestamp = ts
	}
	alert.Payload = clonePayload(alert.Payload)
	s.alerts[alert.ID] = alert
	return alert, nil
}

// UpdateAlertStatus applies update unless the alert already settled.
func (s *AlertStore) UpdateAlertStatus(_ context.Context, alertID string, update capture.AlertUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return capture.ErrNotFound
	}
	if alert.Status.Terminal() {
		return capture.ErrTerminalState
	}
	alert.Status = update.Status
	if update.ResultURL != "" {
		alert.ResultURL = update.ResultURL
	}
	if update.Strategy != "" {
		alert.Strategy = update.Strategy
	}
	alert.FailureReason = update.FailureReason
	alert.UpdatedAt = s.now()
	s.alerts[alertID] = alert
	return nil
}

// GetAlert fetches an alert by ID.
func (s *AlertStore) GetAlert(_ context.Context, alertID string) (capture.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return capture.Alert{}, capture.ErrNotFound
	}
	alert.Payload = clonePayload(alert.Payload)
	return alert, nil
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
