// Package agenttest provides a scripted CertificateAgent for tests.
package agenttest

import (
	"context"
	"sync"

	"github.com/polisai/polis-certd/internal/agent"
	"github.com/polisai/polis-certd/pkg/domain"
)

// Agent is a CertificateAgent returning scripted results and recording calls.
// The hooks run before the scripted error is returned and may mutate the
// filesystem to simulate issuance.
type Agent struct {
	mu sync.Mutex

	StatusResult agent.Status
	StatusErr    error
	ObtainErr    error
	RenewErr     error

	OnObtain func(email string, domains []domain.Spec) error
	OnRenew  func(email string) error

	statusCalls int
	obtainCalls [][]domain.Spec
	renewCalls  int
}

var _ agent.CertificateAgent = (*Agent)(nil)

// Status returns a copy of StatusResult.
func (a *Agent) Status(context.Context) (agent.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++
	if a.StatusErr != nil {
		return nil, a.StatusErr
	}
	status := make(agent.Status, len(a.StatusResult))
	for k, v := range a.StatusResult {
		status[k] = v
	}
	return status, nil
}

// Obtain records the call, runs OnObtain and returns ObtainErr.
func (a *Agent) Obtain(_ context.Context, email string, domains []domain.Spec) error {
	a.mu.Lock()
	a.obtainCalls = append(a.obtainCalls, append([]domain.Spec(nil), domains...))
	hook, err := a.OnObtain, a.ObtainErr
	a.mu.Unlock()

	if hook != nil {
		if hookErr := hook(email, domains); hookErr != nil {
			return hookErr
		}
	}
	return err
}

// Renew records the call, runs OnRenew and returns RenewErr.
func (a *Agent) Renew(_ context.Context, email string) error {
	a.mu.Lock()
	a.renewCalls++
	hook, err := a.OnRenew, a.RenewErr
	a.mu.Unlock()

	if hook != nil {
		if hookErr := hook(email); hookErr != nil {
			return hookErr
		}
	}
	return err
}

// SetStatus replaces the scripted status.
func (a *Agent) SetStatus(status agent.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StatusResult = status
}

// StatusCalls returns the number of Status calls.
func (a *Agent) StatusCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusCalls
}

// ObtainCalls returns the domain names passed to each Obtain call.
func (a *Agent) ObtainCalls() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	calls := make([][]string, 0, len(a.obtainCalls))
	for _, specs := range a.obtainCalls {
		names := make([]string, 0, len(specs))
		for _, spec := range specs {
			names = append(names, spec.Domain)
		}
		calls = append(calls, names)
	}
	return calls
}

// RenewCalls returns the number of Renew calls.
func (a *Agent) RenewCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renewCalls
}

// Reset clears recorded calls, keeping scripted results.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls = 0
	a.obtainCalls = nil
	a.renewCalls = 0
}
