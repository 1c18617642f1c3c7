// Package registry reads the plugin registry: a JSON object mapping a
// plugin key to the helper that polls for it.
//
//	{
//	  "mail.example_mail": {
//	    "profile": "mail.example_mail_1.0",
//	    "exec": "/opt/click/mail/poll --verbose",
//	    "appId": "mail.example_mail",
//	    "services": ["mail-imap"],
//	    "interval": 300,
//	    "needsAuthData": true
//	  }
//	}
//
// Entries lacking profile, exec or appId, or carrying wrong JSON types, are
// dropped individually. The rest of the file still loads.
package registry

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const maxIntervalSeconds = math.MaxInt64 / int64(time.Second)

// MaxInterval is the longest interval a registry entry can ask for. Larger
// values are clamped to it.
const MaxInterval = time.Duration(maxIntervalSeconds) * time.Second

// Unconfined is the profile that bypasses the confinement launcher.
const Unconfined = "unconfined"

// ErrUnreadable marks a registry file that could not be read or is not a
// JSON object at the top level.
var ErrUnreadable = errors.New("plugin registry unreadable")

// Descriptor describes one helper plugin. It is immutable once loaded.
type Descriptor struct {
	Key           string        `json:"key"`
	Exec          string        `json:"exec"`
	Profile       string        `json:"profile"`
	AppID         string        `json:"appId"`
	Services      []string      `json:"services,omitempty"`
	Interval      time.Duration `json:"interval"`
	NeedsAuthData bool          `json:"needsAuthData"`
}

// MatchesService reports whether the descriptor may bind to service. An
// empty service list binds to every service.
func (d Descriptor) MatchesService(service string) bool {
	return len(d.Services) == 0 || slices.Contains(d.Services, service)
}

func (d Descriptor) Confined() bool { return d.Profile != Unconfined }

// Dropped records a registry entry that was rejected.
type Dropped struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Registry is one parsed snapshot of the registry file.
type Registry struct {
	// Descriptors are sorted by Key.
	Descriptors []Descriptor
	Dropped     []Dropped
}

// rawEntry keeps every field as raw JSON so type errors are reported per
// entry instead of failing the whole document.
type rawEntry struct {
	Profile       json.RawMessage `json:"profile"`
	Exec          json.RawMessage `json:"exec"`
	AppID         json.RawMessage `json:"appId"`
	Services      json.RawMessage `json:"services"`
	Interval      json.RawMessage `json:"interval"`
	NeedsAuthData json.RawMessage `json:"needsAuthData"`
}

// Load reads and parses the registry at path.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read %s", path), ErrUnreadable)
	}
	return Parse(b)
}

// Parse parses registry bytes.
func Parse(data []byte) (*Registry, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode registry"), ErrUnreadable)
	}
	if top == nil {
		// literal null
		return nil, errors.Mark(errors.New("registry is not a JSON object"), ErrUnreadable)
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reg := &Registry{Descriptors: make([]Descriptor, 0, len(keys))}
	for _, key := range keys {
		d, err := parseEntry(key, top[key])
		if err != nil {
			reg.Dropped = append(reg.Dropped, Dropped{Key: key, Reason: err.Error()})
			continue
		}
		reg.Descriptors = append(reg.Descriptors, d)
	}
	return reg, nil
}

func parseEntry(key string, raw json.RawMessage) (Descriptor, error) {
	var e rawEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Descriptor{}, errors.New("entry is not a JSON object")
	}

	d := Descriptor{Key: key}
	var err error
	if d.Profile, err = requiredString("profile", e.Profile); err != nil {
		return Descriptor{}, err
	}
	if d.Exec, err = requiredString("exec", e.Exec); err != nil {
		return Descriptor{}, err
	}
	if d.AppID, err = requiredString("appId", e.AppID); err != nil {
		return Descriptor{}, err
	}

	if present(e.Services) {
		if err := json.Unmarshal(e.Services, &d.Services); err != nil {
			return Descriptor{}, errors.New("services: want an array of strings")
		}
	}
	if present(e.Interval) {
		var secs float64
		if err := json.Unmarshal(e.Interval, &secs); err != nil {
			return Descriptor{}, errors.New("interval: want a number of seconds")
		}
		if secs < 0 {
			return Descriptor{}, errors.New("interval: must be >= 0")
		}
		if secs >= float64(maxIntervalSeconds) {
			d.Interval = MaxInterval
		} else {
			d.Interval = time.Duration(int64(secs)) * time.Second
		}
	}
	if present(e.NeedsAuthData) {
		if err := json.Unmarshal(e.NeedsAuthData, &d.NeedsAuthData); err != nil {
			return Descriptor{}, errors.New("needsAuthData: want a boolean")
		}
	}
	return d, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func requiredString(field string, raw json.RawMessage) (string, error) {
	if !present(raw) {
		return "", errors.Newf("%s: missing", field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.Newf("%s: want a string", field)
	}
	if strings.TrimSpace(s) == "" {
		return "", errors.Newf("%s: empty", field)
	}
	return s, nil
}

// File loads the registry from a fixed path on every call, so edits take
// effect on the next cycle.
type File struct {
	Path string
}

func (f File) Load() (*Registry, error) { return Load(f.Path) }
