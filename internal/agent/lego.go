package agent

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-certd/internal/fileutil"
	certtls "github.com/polisai/polis-certd/internal/tls"
	"github.com/polisai/polis-certd/pkg/domain"
)

// Certificate file names inside <cert_root>/<domain>/.
const (
	FullchainFile = "fullchain.pem"
	PrivkeyFile   = "privkey.pem"
)

// LegoOptions configures the in-process ACME agent.
type LegoOptions struct {
	CertRoot       string
	Webroot        string
	AccountKeyPath string
	// CADirURL defaults to the Let's Encrypt production directory.
	CADirURL string
	KeyType  certcrypto.KeyType
	// RenewBefore is how long before expiry a certificate becomes due.
	RenewBefore time.Duration
	// Timeout bounds waiting for the CA to issue one certificate.
	Timeout time.Duration
	// TracerProvider receives spans for ACME HTTP calls. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
	Now     func() time.Time
}

// Lego obtains and renews certificates with an embedded ACME client, answering
// HTTP-01 challenges by writing tokens into the webroot the proxy serves.
type Lego struct {
	opts            LegoOptions
	logger          *slog.Logger
	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)

	mu sync.Mutex
}

// NewLego validates opts and returns a lego agent.
func NewLego(opts LegoOptions) (*Lego, error) {
	if opts.CertRoot == "" {
		return nil, errors.New("certificate root is required")
	}
	if opts.Webroot == "" {
		return nil, errors.New("webroot is required")
	}
	if opts.AccountKeyPath == "" {
		return nil, errors.New("account key path is required")
	}
	if opts.CADirURL == "" {
		opts.CADirURL = lego.LEDirectoryProduction
	}
	if opts.KeyType == "" {
		opts.KeyType = certcrypto.RSA2048
	}
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Lego{
		opts:          opts,
		logger:        logger,
		clientFactory: defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return certcrypto.GeneratePrivateKey(certcrypto.EC256)
		},
	}, nil
}

// Status reads the leaf expiry of every certificate under the cert root.
func (l *Lego) Status(ctx context.Context) (Status, error) {
	managed, err := l.managed(ctx)
	if err != nil {
		return nil, err
	}
	status := make(Status, len(managed))
	for name, info := range managed {
		status[name] = info.NotAfter
	}
	return status, nil
}

// Obtain issues one certificate per domain covering the domain and its aliases.
func (l *Lego) Obtain(ctx context.Context, email string, domains []domain.Spec) error {
	if len(domains) == 0 {
		return ErrNoDomains
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	client, err := l.newClient(email)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, spec := range domains {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := l.issue(client, spec.Domain, spec.Names()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Renew re-issues every managed certificate expiring within RenewBefore,
// keeping the names the current certificate covers.
func (l *Lego) Renew(ctx context.Context, email string) error {
	managed, err := l.managed(ctx)
	if err != nil {
		return err
	}

	now := l.opts.Now()
	var due []string
	for name, info := range managed {
		if info.NotAfter.Sub(now) < l.opts.RenewBefore {
			due = append(due, name)
		}
	}
	if len(due) == 0 {
		l.logger.Debug("No certificates due for renewal", "managed", len(managed))
		return nil
	}
	sort.Strings(due)

	l.mu.Lock()
	defer l.mu.Unlock()

	client, err := l.newClient(email)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, name := range due {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		names := renewalNames(name, managed[name].DNSNames)
		l.logger.Info("Renewing certificate", "domain", name, "not_after", managed[name].NotAfter)
		if err := l.issue(client, name, names); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func renewalNames(name string, dnsNames []string) []string {
	spec := domain.Spec{Domain: name, Aliases: dnsNames}
	return spec.Names()
}

func (l *Lego) issue(client acmeClient, name string, names []string) error {
	res, err := client.Obtain(certificate.ObtainRequest{Domains: names, Bundle: true})
	if err != nil {
		l.logger.Warn("Certificate request failed", "domain", name, "error", err)
		return fmt.Errorf("obtain %s: %w", name, err)
	}
	if err := l.writeCertificate(name, res); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	l.logger.Info("Certificate obtained", "domain", name, "names", names)
	return nil
}

// writeCertificate replaces the key and chain as a pair. Both files are staged
// before either is renamed into place, and the previous key is put back if the
// chain cannot be installed, so nginx never sees a key from one issuance next
// to a chain from another.
func (l *Lego) writeCertificate(name string, res *certificate.Resource) error {
	if res == nil {
		return errors.New("certificate resource is nil")
	}
	if len(res.PrivateKey) == 0 {
		return errors.New("empty private key received from ACME server")
	}
	if len(res.Certificate) == 0 {
		return errors.New("empty certificate payload received from ACME server")
	}

	dir := filepath.Join(l.opts.CertRoot, name)
	keyPath := filepath.Join(dir, PrivkeyFile)
	chainPath := filepath.Join(dir, FullchainFile)

	oldKey, err := os.ReadFile(keyPath)
	hadKey := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read current private key: %w", err)
	}

	keyTmp, err := fileutil.Stage(keyPath, res.PrivateKey, 0o600)
	if err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	chainTmp, err := fileutil.Stage(chainPath, res.Certificate, 0o644)
	if err != nil {
		_ = os.Remove(keyTmp)
		return fmt.Errorf("write certificate chain: %w", err)
	}

	if err := os.Rename(keyTmp, keyPath); err != nil {
		_ = os.Remove(keyTmp)
		_ = os.Remove(chainTmp)
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.Rename(chainTmp, chainPath); err != nil {
		_ = os.Remove(chainTmp)
		if rerr := l.restoreKey(keyPath, oldKey, hadKey); rerr != nil {
			l.logger.Error("Failed to restore previous private key", "domain", name, "error", rerr)
		}
		return fmt.Errorf("write certificate chain: %w", err)
	}
	return nil
}

func (l *Lego) restoreKey(keyPath string, oldKey []byte, hadKey bool) error {
	if !hadKey {
		return os.Remove(keyPath)
	}
	return fileutil.WriteFileAtomic(keyPath, oldKey, 0o600)
}

func (l *Lego) managed(ctx context.Context) (map[string]*certtls.CertificateInfo, error) {
	entries, err := os.ReadDir(l.opts.CertRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*certtls.CertificateInfo{}, nil
		}
		return nil, fmt.Errorf("read certificate root: %w", err)
	}

	managed := make(map[string]*certtls.CertificateInfo)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.opts.CertRoot, entry.Name(), FullchainFile)
		info, err := certtls.InspectCertificateFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("Unreadable certificate", "path", path, "error", err)
			}
			continue
		}
		managed[entry.Name()] = info
	}
	return managed, nil
}

func (l *Lego) newClient(email string) (acmeClient, error) {
	key, err := l.loadAccountKey()
	if err != nil {
		return nil, err
	}

	user := &accountUser{email: email, key: key}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = l.opts.CADirURL
	legoCfg.Certificate.KeyType = l.opts.KeyType
	if l.opts.Timeout > 0 {
		legoCfg.Certificate.Timeout = l.opts.Timeout
	}
	legoCfg.HTTPClient = l.instrument(legoCfg.HTTPClient)

	client, err := l.clientFactory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	provider, err := webroot.NewHTTPProvider(l.opts.Webroot)
	if err != nil {
		return nil, fmt.Errorf("configure webroot provider: %w", err)
	}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}
	user.registration = reg

	return client, nil
}

// instrument wraps the ACME HTTP client's transport so directory, order and
// challenge requests are traced.
func (l *Lego) instrument(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	var opts []otelhttp.Option
	if l.opts.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(l.opts.TracerProvider))
	}
	client := *base
	client.Transport = otelhttp.NewTransport(base.Transport, opts...)
	return &client
}

// loadAccountKey returns the persisted ACME account key, creating it on first use.
func (l *Lego) loadAccountKey() (crypto.PrivateKey, error) {
	data, err := os.ReadFile(l.opts.AccountKeyPath)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse account key %s: %w", l.opts.AccountKeyPath, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read account key: %w", err)
	}

	key, err := l.accountKeyMaker()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if err := fileutil.WriteFileAtomic(l.opts.AccountKeyPath, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, fmt.Errorf("persist account key: %w", err)
	}
	l.logger.Info("Created ACME account key", "path", l.opts.AccountKeyPath)
	return key, nil
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (a *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return a.client.Registration.Register(options)
}

func (a *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return a.client.Challenge.SetHTTP01Provider(provider)
}

func (a *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return a.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}
