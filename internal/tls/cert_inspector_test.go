package tls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectCertificateFile(t *testing.T) {
	notAfter := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	certPEM, keyPEM, err := GenerateSelfSignedCertificate(CertificateGenerationOptions{
		DNSNames: []string{"example.com", "www.example.com"},
		NotAfter: notAfter,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "fullchain.pem")
	chain := append(append([]byte{}, certPEM...), certPEM...)
	require.NoError(t, os.WriteFile(path, append(chain, keyPEM...), 0o644))

	info, err := InspectCertificateFile(path)
	require.NoError(t, err)

	assert.Equal(t, path, info.Path)
	assert.True(t, info.NotAfter.Equal(notAfter.UTC()), "got %s want %s", info.NotAfter, notAfter)
	assert.Equal(t, []string{"example.com", "www.example.com"}, info.DNSNames)
	assert.Equal(t, 2, info.ChainLength)
	assert.Contains(t, info.Subject, "example.com")
}

func TestInspectCertificateDataRejectsNonCertificates(t *testing.T) {
	_, keyPEM, err := GenerateSelfSignedCertificate(CertificateGenerationOptions{})
	require.NoError(t, err)

	_, err = InspectCertificateData(keyPEM, "privkey.pem")
	assert.ErrorIs(t, err, ErrNoCertificate)

	_, err = InspectCertificateData([]byte("garbage"), "x.pem")
	assert.ErrorIs(t, err, ErrNoCertificate)

	_, err = InspectCertificateData([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), "x.pem")
	assert.Error(t, err)
}

func TestInspectCertificateFileMissing(t *testing.T) {
	_, err := InspectCertificateFile(filepath.Join(t.TempDir(), "absent.pem"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestClassifyExpiry(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		notAfter time.Time
		want     ExpiryStatus
	}{
		{"expired", now.Add(-time.Minute), ExpiryExpired},
		{"at expiry", now, ExpiryExpired},
		{"hours left", now.Add(3 * time.Hour), ExpiryCritical},
		{"days left", now.Add(3 * 24 * time.Hour), ExpiryWarning},
		{"months left", now.Add(60 * 24 * time.Hour), ExpiryOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyExpiry(tt.notAfter, now))
		})
	}
}
