package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state State
		want  Phase
	}{
		{
			name:  "no certificate",
			state: State{Domain: "a.test", ProbedAt: now},
			want:  PhaseNoCert,
		},
		{
			name:  "expiry ignored without certificate",
			state: State{Domain: "a.test", CertValidUntil: now.Add(time.Hour), ProbedAt: now},
			want:  PhaseNoCert,
		},
		{
			name:  "valid certificate",
			state: State{Domain: "a.test", CertExists: true, CertValidUntil: now.Add(time.Hour), ProbedAt: now},
			want:  PhaseCertValid,
		},
		{
			name:  "expired certificate",
			state: State{Domain: "a.test", CertExists: true, CertValidUntil: now.Add(-time.Hour), ProbedAt: now},
			want:  PhaseCertExpiring,
		},
		{
			name:  "expiry equal to probe time is not valid",
			state: State{Domain: "a.test", CertExists: true, CertValidUntil: now, ProbedAt: now},
			want:  PhaseCertExpiring,
		},
		{
			name:  "unknown expiry fails closed",
			state: State{Domain: "a.test", CertExists: true, ProbedAt: now},
			want:  PhaseCertExpiring,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.state))
		})
	}
}

func TestHTTPSPolicy(t *testing.T) {
	now := time.Now()
	expired := State{Domain: "a.test", CertExists: true, CertValidUntil: now.Add(-time.Minute), ProbedAt: now}
	valid := State{Domain: "a.test", CertExists: true, CertValidUntil: now.Add(time.Hour), ProbedAt: now}
	missing := State{Domain: "a.test", ProbedAt: now}

	assert.True(t, HTTPSPolicyPresence.Enabled(expired))
	assert.True(t, HTTPSPolicyPresence.Enabled(valid))
	assert.False(t, HTTPSPolicyPresence.Enabled(missing))

	assert.False(t, HTTPSPolicyValidity.Enabled(expired))
	assert.True(t, HTTPSPolicyValidity.Enabled(valid))
	assert.False(t, HTTPSPolicyValidity.Enabled(missing))
}

// An expiring certificate keeps serving HTTPS while renewal is retried.
func TestDefaultHTTPSPolicyIsPresence(t *testing.T) {
	policy, err := ParseHTTPSPolicy("")
	require.NoError(t, err)
	assert.Equal(t, HTTPSPolicyPresence, policy)
	assert.Equal(t, HTTPSPolicyPresence, DefaultHTTPSPolicy)
}

func TestParseHTTPSPolicy(t *testing.T) {
	policy, err := ParseHTTPSPolicy(" Validity ")
	require.NoError(t, err)
	assert.Equal(t, HTTPSPolicyValidity, policy)

	_, err = ParseHTTPSPolicy("always")
	assert.Error(t, err)
}

func TestSpecNames(t *testing.T) {
	spec := Spec{Domain: "Example.com", Aliases: []string{"www.example.com", "example.com", " ", "api.example.com"}}
	assert.Equal(t, []string{"example.com", "www.example.com", "api.example.com"}, spec.Names())

	assert.Equal(t, []string{"www.a.test"}, DefaultAliases("a.test"))
	assert.Nil(t, DefaultAliases("www.a.test"))
	assert.Nil(t, DefaultAliases(""))
}
