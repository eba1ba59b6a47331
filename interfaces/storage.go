package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// VaultRecord is the persisted per-vault aggregate. All mutations of a vault
// replace the whole record in one compare-and-set on Version.
type VaultRecord struct {
	Vault         Vault         `json:"vault"`
	Guardians     []Guardian    `json:"guardians"`
	Beneficiaries []Beneficiary `json:"beneficiaries"`
	// Request is the current (or most recently closed) recovery request.
	Request        *RecoveryRequest  `json:"request,omitempty"`
	RequestHistory []RecoveryRequest `json:"request_history,omitempty"`
	Fragments      *FragmentSet      `json:"fragments,omitempty"`
	// FragmentsStale marks a rotation deferred while a recovery was in flight.
	FragmentsStale bool `json:"fragments_stale"`
	// ReconstructedAt is set once the secret has been released for the current request.
	ReconstructedAt *time.Time `json:"reconstructed_at,omitempty"`
	// SignerStamps maps a request signer to the timestamp (unix nanoseconds)
	// of the last signed request accepted from it.
	SignerStamps map[string]int64 `json:"signer_stamps,omitempty"`

	// Version is the optimistic concurrency token, owned by the store.
	Version int64 `json:"-"`
}

// Guardian returns the guardian with the given identifier.
func (r *VaultRecord) Guardian(id string) (*Guardian, bool) {
	for i := range r.Guardians {
		if r.Guardians[i].ID == id {
			return &r.Guardians[i], true
		}
	}
	return nil, false
}

// Beneficiary returns the beneficiary with the given identifier.
func (r *VaultRecord) Beneficiary(id string) (*Beneficiary, bool) {
	for i := range r.Beneficiaries {
		if r.Beneficiaries[i].ID == id {
			return &r.Beneficiaries[i], true
		}
	}
	return nil, false
}

// OpenRequest returns the current request when it is pending or approved.
func (r *VaultRecord) OpenRequest() (*RecoveryRequest, bool) {
	if r.Request != nil && r.Request.Status.Open() {
		return r.Request, true
	}
	return nil, false
}

// ArchiveRequest moves a closed current request into the history.
func (r *VaultRecord) ArchiveRequest(maxHistory int) {
	if r.Request == nil || r.Request.Status.Open() {
		return
	}
	r.RequestHistory = append(r.RequestHistory, *r.Request)
	if maxHistory > 0 && len(r.RequestHistory) > maxHistory {
		r.RequestHistory = r.RequestHistory[len(r.RequestHistory)-maxHistory:]
	}
	r.Request = nil
}

var (
	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// VaultStore persists vault records keyed by vault identifier.
type VaultStore interface {
	// Create stores a new record. Fails with ErrVaultExists.
	Create(ctx context.Context, rec *VaultRecord) error

	// Load returns the record with its current Version. Fails with ErrVaultNotFound.
	Load(ctx context.Context, vaultID string) (*VaultRecord, error)

	// Save replaces the record if the stored version equals rec.Version and
	// bumps rec.Version. Fails with ErrConcurrencyConflict otherwise.
	Save(ctx context.Context, rec *VaultRecord) error

	// List returns the identifiers of all stored vaults.
	List(ctx context.Context) ([]string, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns the redacted URI the store was created from.
	LocationURI() string
}

// StoreLocation represents URI for storage backend.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	URL    *url.URL   // Parsed form, including credentials
}

// NewStoreLocation creates a new storage location from a URI string with validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "memory", "file", "s3", "vault", "postgres", "postgresql":
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		URL:    parsed,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}
