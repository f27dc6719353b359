// Package provider resolves a stream id's alphabetic prefix to a Provider
// that knows how to build the transcoder's input/output URIs and argv for
// streams it owns, generalizing the original's BaseStreamProvider/
// NamedStreamProvider class hierarchy into a plain interface plus two
// concrete implementations, per the polymorphism redesign direction.
package provider

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dss/dynstream/internal/dsserrors"
	"github.com/dss/dynstream/internal/ffmpegcmd"
)

// Provider resolves ids it owns into FFmpeg command lines and origin
// identifiers.
type Provider interface {
	// Prefix is the alphabetic prefix selecting this provider, e.g. "cam".
	Prefix() string
	// Streams lists every stream id this provider currently serves.
	Streams() []string
	// BuildCmd assembles the FFmpeg argv to fetch and republish id.
	BuildCmd(id string) ([]string, error)
	// OriginID returns the upstream-facing identity for id: the StreamList
	// entry selected by id's numeric suffix, for Numeric and Named alike.
	OriginID(id string) (string, error)
	// ThumbnailLocal reports whether the thumbnail scheduler may read
	// from this provider's own republished local stream when one is
	// already running, instead of reopening the origin connection.
	ThumbnailLocal() bool
	// LocalSource returns the local republish URL for id (the same
	// target BuildCmd writes its output to).
	LocalSource(id string) string
	// OriginSource returns the origin id and the origin-facing URL for id.
	OriginSource(id string) (originID string, url string, err error)
}

// Spec is the already-parsed configuration for one provider; the
// acquisition-mode distinction the original supported (list/file/download)
// is resolved upstream in internal/config, so Spec always carries a
// concrete, in-memory stream list by the time it reaches this package.
type Spec struct {
	Prefix            string
	InputStreamTmpl   string // "{0}" substituted with the origin id
	OutputStreamTmpl  string // "{0}" substituted with the dss-facing id
	InputOpts         string
	OutputOpts        string
	StreamList        []string // numeric providers: decimal strings; named: arbitrary names
	ProbeSize         string
	Bin               string
	ThumbnailLocal    bool
}

var numericSuffix = regexp.MustCompile(`\D`)

// NumericProvider indexes its stream list by the numeric suffix of the
// dss-facing id, mirroring BaseStreamProvider's default `_number_id`.
type NumericProvider struct {
	spec Spec
}

// NewNumericProvider builds a NumericProvider from a parsed Spec.
func NewNumericProvider(spec Spec) *NumericProvider {
	return &NumericProvider{spec: spec}
}

func (p *NumericProvider) Prefix() string { return p.spec.Prefix }

func (p *NumericProvider) Streams() []string {
	out := make([]string, len(p.spec.StreamList))
	for i := range p.spec.StreamList {
		out[i] = fmt.Sprintf("%s%d", p.spec.Prefix, i)
	}
	return out
}

func (p *NumericProvider) numberID(id string) (int, error) {
	digits := numericSuffix.ReplaceAllString(id, "")
	if digits == "" {
		return 0, fmt.Errorf("provider: no numeric suffix in id %q: %w", id, dsserrors.ErrUnknownStream)
	}
	return strconv.Atoi(digits)
}

func (p *NumericProvider) OriginID(id string) (string, error) {
	n, err := p.numberID(id)
	if err != nil {
		return "", err
	}
	if n < 0 || n >= len(p.spec.StreamList) {
		return "", fmt.Errorf("provider: id %q out of range for %s: %w", id, p.spec.Prefix, dsserrors.ErrUnknownStream)
	}
	return p.spec.StreamList[n], nil
}

func (p *NumericProvider) BuildCmd(id string) ([]string, error) {
	origin, err := p.OriginID(id)
	if err != nil {
		return nil, err
	}
	return buildCmd(p.spec, id, origin)
}

func (p *NumericProvider) ThumbnailLocal() bool { return p.spec.ThumbnailLocal }

func (p *NumericProvider) LocalSource(id string) string {
	return strings.ReplaceAll(p.spec.OutputStreamTmpl, "{0}", id)
}

func (p *NumericProvider) OriginSource(id string) (string, string, error) {
	origin, err := p.OriginID(id)
	if err != nil {
		return "", "", err
	}
	return origin, strings.ReplaceAll(p.spec.InputStreamTmpl, "{0}", origin), nil
}

// NamedProvider indexes its stream list by position within StreamList,
// with the dss-facing id's numeric suffix selecting the index, mirroring
// NamedStreamProvider.
type NamedProvider struct {
	spec Spec
}

// NewNamedProvider builds a NamedProvider from a parsed Spec.
func NewNamedProvider(spec Spec) *NamedProvider {
	return &NamedProvider{spec: spec}
}

func (p *NamedProvider) Prefix() string { return p.spec.Prefix }

func (p *NamedProvider) Streams() []string {
	out := make([]string, len(p.spec.StreamList))
	for i := range p.spec.StreamList {
		out[i] = fmt.Sprintf("%s%d", p.spec.Prefix, i)
	}
	return out
}

func (p *NamedProvider) OriginID(id string) (string, error) {
	digits := numericSuffix.ReplaceAllString(id, "")
	if digits == "" {
		return "", fmt.Errorf("provider: no numeric suffix in id %q: %w", id, dsserrors.ErrUnknownStream)
	}
	idx, err := strconv.Atoi(digits)
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(p.spec.StreamList) {
		return "", fmt.Errorf("provider: id %q out of range for %s: %w", id, p.spec.Prefix, dsserrors.ErrUnknownStream)
	}
	return p.spec.StreamList[idx], nil
}

func (p *NamedProvider) BuildCmd(id string) ([]string, error) {
	origin, err := p.OriginID(id)
	if err != nil {
		return nil, err
	}
	return buildCmd(p.spec, id, origin)
}

func (p *NamedProvider) ThumbnailLocal() bool { return p.spec.ThumbnailLocal }

func (p *NamedProvider) LocalSource(id string) string {
	return strings.ReplaceAll(p.spec.OutputStreamTmpl, "{0}", id)
}

func (p *NamedProvider) OriginSource(id string) (string, string, error) {
	origin, err := p.OriginID(id)
	if err != nil {
		return "", "", err
	}
	return origin, strings.ReplaceAll(p.spec.InputStreamTmpl, "{0}", origin), nil
}

func buildCmd(spec Spec, id, origin string) ([]string, error) {
	input := strings.ReplaceAll(spec.InputStreamTmpl, "{0}", origin)
	output := strings.ReplaceAll(spec.OutputStreamTmpl, "{0}", id)
	if err := ffmpegcmd.ValidateInput(input); err != nil {
		return nil, err
	}
	return ffmpegcmd.Build(ffmpegcmd.Options{
		Bin:        spec.Bin,
		ProbeSize:  spec.ProbeSize,
		InputOpts:  spec.InputOpts,
		Input:      input,
		OutputOpts: spec.OutputOpts,
		Output:     output,
	}), nil
}

// Registry resolves stream ids to the Provider owning their prefix.
type Registry struct {
	byPrefix map[string]Provider
}

// NewRegistry builds a Registry from a set of already-constructed
// Providers, longest-prefix-first is not needed since prefixes are
// alphabetic and suffixes numeric: an exact prefix match is unambiguous.
func NewRegistry(providers []Provider) *Registry {
	r := &Registry{byPrefix: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.byPrefix[p.Prefix()] = p
	}
	return r
}

// Select returns the Provider owning id's alphabetic prefix.
func (r *Registry) Select(id string) (Provider, error) {
	prefix := strings.TrimRightFunc(id, func(r rune) bool { return r >= '0' && r <= '9' })
	p, ok := r.byPrefix[prefix]
	if !ok {
		return nil, fmt.Errorf("provider: no provider for id %q (prefix %q): %w", id, prefix, dsserrors.ErrUnknownStream)
	}
	return p, nil
}

// All returns every registered provider, in no particular order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.byPrefix))
	for _, p := range r.byPrefix {
		out = append(out, p)
	}
	return out
}
