package shimtrace

import (
	"context"
	"os"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"
)

// Manifest is the file access manifest of a sandboxed process: where to send
// reports and which accesses it declared. It is encoded as CBOR and read once
// when the session attaches.
type Manifest struct {
	PipID uint64 `cbor:"pip_id"`
	// ReportsPath is the report channel shared by every process of the pip.
	ReportsPath string `cbor:"reports_path"`
	// FailUnexpectedAccesses turns undeclared accesses into denials instead
	// of warnings.
	FailUnexpectedAccesses bool `cbor:"fail_unexpected_accesses"`
	// ReportAllAccesses reports every access, not only violations and
	// explicitly reported scopes.
	ReportAllAccesses bool    `cbor:"report_all_accesses"`
	Scopes            []Scope `cbor:"scopes"`
}

// Scope grants access below a directory (or to a single file).
type Scope struct {
	Path    string          `cbor:"path"`
	Allowed RequestedAccess `cbor:"allowed"`
	// Report asks for every access in the scope to be reported, even when
	// it is allowed.
	Report bool `cbor:"report"`
}

var (
	manifestEncMode cbor.EncMode
	manifestDecMode cbor.DecMode
)

func init() {
	var err error
	manifestEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("manifest: CBOR encoder initialization failed: " + err.Error())
	}
	manifestDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("manifest: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseManifest decodes a CBOR manifest payload.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	err := manifestDecMode.Unmarshal(data, &m)
	if err != nil {
		return nil, xerrors.Errorf("decode manifest (%v): %w", err, ErrManifest)
	}
	if m.ReportsPath == "" {
		return nil, xerrors.Errorf("manifest has no reports path: %w", ErrManifest)
	}
	for i, s := range m.Scopes {
		if !strings.HasPrefix(s.Path, "/") {
			return nil, xerrors.Errorf("scope %d path %q is not absolute: %w", i, s.Path, ErrManifest)
		}
	}
	return &m, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read manifest %q (%v): %w", path, err, ErrManifest)
	}
	return ParseManifest(data)
}

// Marshal encodes the manifest deterministically.
func (m *Manifest) Marshal() ([]byte, error) {
	return manifestEncMode.Marshal(m)
}

var _ PolicyEvaluator = &Manifest{}

// Evaluate implements a minimal policy: the longest scope containing the path
// decides. Accesses within the scope's allowed mask are allowed; anything else
// is a violation, denied when FailUnexpectedAccesses is set and warned
// otherwise. Violations are always reported. Paths that are not absolute, such
// as the unresolved name of an executed program, are allowed.
func (m *Manifest) Evaluate(_ context.Context, ev AccessEvent, access RequestedAccess) Verdict {
	if !strings.HasPrefix(ev.Path, "/") {
		return Verdict{Status: StatusAllowed, Report: m.ReportAllAccesses}
	}

	scope, ok := m.scopeFor(ev.Path)
	if ok && access&^scope.Allowed == 0 {
		return Verdict{
			Status:   StatusAllowed,
			Report:   scope.Report || m.ReportAllAccesses,
			Explicit: scope.Report,
		}
	}

	v := Verdict{Status: StatusWarned, Report: true}
	if m.FailUnexpectedAccesses {
		v.Status = StatusDenied
	}
	return v
}

func (m *Manifest) scopeFor(path string) (Scope, bool) {
	var (
		best  Scope
		found bool
	)
	for _, s := range m.Scopes {
		if !pathWithin(path, s.Path) {
			continue
		}
		if !found || len(s.Path) > len(best.Path) {
			best, found = s, true
		}
	}
	return best, found
}

// pathWithin reports whether path is dir or lies below it.
func pathWithin(path, dir string) bool {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+"/")
}
