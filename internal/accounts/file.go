package accounts

import (
	"context"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

// Document is the on-disk account database.
//
//	applications:
//	  mailer:
//	    services:
//	      coolmail-imap: "Check for new mail"
//	accounts:
//	  - id: 1
//	    provider: coolmail
//	    enabled: true
//	    auth:
//	      method: oauth2
//	      mechanism: web_server
//	      credentials_id: 7
//	      parameters: {ClientId: my-client-id, ClientSecret: my-client-secret}
//	      reply: {AccessToken: abc}
//	    services:
//	      - name: coolmail-imap
//	        enabled: true
//
// A service may carry its own auth block, which replaces the account one.
type Document struct {
	Applications map[string]Application `yaml:"applications"`
	Accounts     []Account              `yaml:"accounts"`
}

type Application struct {
	// Services maps service name to usage description.
	Services map[string]string `yaml:"services"`
}

type Account struct {
	ID       uint32    `yaml:"id"`
	Provider string    `yaml:"provider"`
	Enabled  bool      `yaml:"enabled"`
	Auth     *Auth     `yaml:"auth"`
	Services []Service `yaml:"services"`
}

type Service struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Auth    *Auth  `yaml:"auth"`
}

// Auth is an AuthDescriptor plus the token material the file provider
// hands out. A non-empty Error makes every exchange fail with it.
type Auth struct {
	AuthDescriptor `yaml:",inline"`
	Reply          map[string]any `yaml:"reply"`
	Error          string         `yaml:"error"`
}

// FileStore serves Store and Identity from a YAML (or JSON) file.
//
// The file is re-read when its modification time changes. A forced token
// refresh always re-reads it, so a token rotated by an external agent is
// picked up and an unrotated one comes back identical.
type FileStore struct {
	path string

	mu      sync.Mutex
	doc     *Document
	modTime time.Time
	size    int64
}

// NewFileStore returns a FileStore that reads path on first use. A missing
// or broken file surfaces as an error from the lookup methods.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// OpenFile loads path and returns a FileStore for it.
func OpenFile(path string) (*FileStore, error) {
	s := NewFileStore(path)
	if err := s.reload(true); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) reload(force bool) error {
	st, err := os.Stat(s.path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", s.path)
	}
	s.mu.Lock()
	fresh := s.doc != nil && st.ModTime().Equal(s.modTime) && st.Size() == s.size
	s.mu.Unlock()
	if fresh && !force {
		return nil
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "read %s", s.path)
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return errors.Wrapf(err, "parse %s", s.path)
	}

	s.mu.Lock()
	s.doc = &doc
	s.modTime = st.ModTime()
	s.size = st.Size()
	s.mu.Unlock()
	return nil
}

func (s *FileStore) snapshot() (*Document, error) {
	if err := s.reload(false); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc, nil
}

func (s *FileStore) EnabledAccounts(ctx context.Context) ([]uint32, error) {
	doc, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, a := range doc.Accounts {
		if a.Enabled {
			ids = append(ids, a.ID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func findAccount(doc *Document, id uint32) (*Account, error) {
	for i := range doc.Accounts {
		if doc.Accounts[i].ID == id {
			return &doc.Accounts[i], nil
		}
	}
	return nil, errors.Mark(errors.Newf("account %d", id), ErrNotFound)
}

func (s *FileStore) EnabledServices(ctx context.Context, account uint32) ([]string, error) {
	doc, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	a, err := findAccount(doc, account)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, svc := range a.Services {
		if svc.Enabled && svc.Name != "" {
			out = append(out, svc.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) ServiceUsage(ctx context.Context, appID, service string) (string, error) {
	doc, err := s.snapshot()
	if err != nil {
		return "", err
	}
	app, ok := doc.Applications[appID]
	if !ok {
		return "", nil
	}
	return app.Services[service], nil
}

func lookupAuth(doc *Document, account uint32, service string) (*Auth, error) {
	a, err := findAccount(doc, account)
	if err != nil {
		return nil, err
	}
	for _, svc := range a.Services {
		if svc.Name == service && svc.Auth != nil {
			return svc.Auth, nil
		}
	}
	if a.Auth == nil {
		return nil, errors.Mark(errors.Newf("no credentials for account %d service %q", account, service), ErrNotFound)
	}
	return a.Auth, nil
}

func (s *FileStore) AuthDescriptor(ctx context.Context, account uint32, service string) (AuthDescriptor, error) {
	doc, err := s.snapshot()
	if err != nil {
		return AuthDescriptor{}, err
	}
	auth, err := lookupAuth(doc, account, service)
	if err != nil {
		return AuthDescriptor{}, err
	}
	return auth.AuthDescriptor, nil
}

func (s *FileStore) Authenticate(ctx context.Context, account uint32, service string, req SessionRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.reload(req.ForceTokenRefresh); err != nil {
		return nil, err
	}
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	auth, err := lookupAuth(doc, account, service)
	if err != nil {
		return nil, err
	}
	if auth.Error != "" {
		return nil, errors.Newf("identity provider: %s", auth.Error)
	}
	if len(auth.Reply) == 0 {
		if req.UIPolicy == UIPolicyNoUserInteraction {
			return nil, errors.Newf("identity provider: no stored token for account %d and user interaction is disabled", account)
		}
		return nil, errors.Newf("identity provider: no stored token for account %d", account)
	}

	out := make(map[string]any, len(auth.Reply))
	for k, v := range auth.Reply {
		out[k] = v
	}
	return out, nil
}
