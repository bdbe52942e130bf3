/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package profile reads the per-organization connection profiles. A profile is
// an externally supplied, read-only document describing the organization's
// certificate authority, its peers and its channels. The raw document is handed
// to the SDK unchanged; this package only extracts what the identity workflows
// need.
package profile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var logger = logging.NewLogger("divvy/profile")

// FileName is the base name of a connection profile inside an organization's
// directory. The extension selects the format.
const FileName = "connection-profile"

var extensions = []string{".json", ".yaml", ".yml"}

// ConnectionProfile is the subset of the common connection profile that the
// gateway reads
type ConnectionProfile struct {
	Name                   string
	Version                string
	Client                 Client
	Organizations          map[string]Organization
	Peers                  map[string]Peer
	CertificateAuthorities map[string]CertificateAuthorityConfig
	Channels               map[string]interface{}
}

// Client section of the profile
type Client struct {
	Organization string `mapstructure:"organization"`
}

// Organization section of the profile
type Organization struct {
	MSPID                  string   `mapstructure:"mspid"`
	Peers                  []string `mapstructure:"peers"`
	CertificateAuthorities []string `mapstructure:"certificateAuthorities"`
}

// Peer section of the profile
type Peer struct {
	URL string `mapstructure:"url"`
}

// CertificateAuthorityConfig is a certificate authority entry as written in
// the profile
type CertificateAuthorityConfig struct {
	URL         string                 `mapstructure:"url"`
	CAName      string                 `mapstructure:"caName"`
	TLSCACerts  map[string]interface{} `mapstructure:"tlsCACerts"`
	HTTPOptions map[string]interface{} `mapstructure:"httpOptions"`
}

// CertificateAuthority is a resolved certificate authority endpoint
type CertificateAuthority struct {
	// Name is the key of the authority in the profile
	Name string
	// URL of the Fabric CA server
	URL string
	// CAName selects a CA hosted by a multi-CA server
	CAName string
	// TrustRoots are PEM encoded TLS root certificates
	TrustRoots [][]byte
	// Verify is false when the profile disables TLS verification
	Verify bool
}

// Profile is a loaded connection profile
type Profile struct {
	// Org is the organization the profile was loaded for
	Org string
	// Path of the profile document
	Path string
	// Raw document bytes
	Raw []byte
	// Format is "json" or "yaml"
	Format string

	doc ConnectionProfile
}

// Loader locates profiles below Root, one directory per organization
type Loader struct {
	Root string
}

// NewLoader returns a Loader for profiles below root
func NewLoader(root string) *Loader {
	return &Loader{Root: root}
}

// Path returns the profile path for org, or a NotFound status when no profile
// exists in any supported format.
func (l *Loader) Path(org string) (string, error) {
	if err := validateOrg(org); err != nil {
		return "", err
	}
	for _, ext := range extensions {
		p := filepath.Join(l.Root, org, FileName+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", status.Newf(status.GatewayStatus, status.NotFound, "no connection profile for organization %s under %s", org, l.Root)
}

// Load reads and decodes the profile of org
func (l *Loader) Load(org string) (*Profile, error) {
	path, err := l.Path(org)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, status.Wrap(status.GatewayStatus, status.IOError, err, "failed to read connection profile")
	}
	format := "json"
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
	}
	p, err := Parse(org, raw, format)
	if err != nil {
		return nil, errors.WithMessagef(err, "connection profile %s", path)
	}
	p.Path = path
	logger.Debugf("loaded connection profile for %s from %s", org, path)
	return p, nil
}

// Parse decodes a profile document. format is "json" or "yaml".
func Parse(org string, raw []byte, format string) (*Profile, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, status.Wrap(status.GatewayStatus, status.InvalidArgument, err, "malformed connection profile")
	}

	p := &Profile{Org: org, Raw: raw, Format: format}

	// Sections are decoded one by one: entity names such as
	// ca.org1.divvy.com contain dots and must not be split into nested keys.
	sections := []struct {
		key    string
		target interface{}
	}{
		{"name", &p.doc.Name},
		{"version", &p.doc.Version},
		{"client", &p.doc.Client},
		{"organizations", &p.doc.Organizations},
		{"peers", &p.doc.Peers},
		{"certificateAuthorities", &p.doc.CertificateAuthorities},
		{"channels", &p.doc.Channels},
	}
	for _, s := range sections {
		if err := decode(v.Get(s.key), s.target); err != nil {
			return nil, status.Wrap(status.GatewayStatus, status.InvalidArgument, err, "malformed connection profile section "+s.key)
		}
	}
	return p, nil
}

func decode(input, target interface{}) error {
	if input == nil {
		return nil
	}
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return d.Decode(input)
}

// Document returns the decoded profile
func (p *Profile) Document() ConnectionProfile {
	return p.doc
}

// ClientOrganization returns client.organization, or the organization the
// profile was loaded for when the profile leaves it empty
func (p *Profile) ClientOrganization() string {
	if p.doc.Client.Organization != "" {
		return p.doc.Client.Organization
	}
	return p.Org
}

// MSPID returns the MSP ID of the profile's organization. When the profile
// carries none, template is expanded with the organization name.
func (p *Profile) MSPID(template string) string {
	if org, ok := p.organization(); ok && org.MSPID != "" {
		return org.MSPID
	}
	return Expand(template, p.Org)
}

// Peers returns the peers the profile declares for its organization
func (p *Profile) Peers() []string {
	org, ok := p.organization()
	if !ok {
		return nil
	}
	return org.Peers
}

// CertificateAuthority resolves the organization's certificate authority.
// keyTemplate names the CA entry (for example ca.{org}.divvy.com); if no
// such entry exists the first CA listed for the organization is used.
func (p *Profile) CertificateAuthority(keyTemplate string) (*CertificateAuthority, error) {
	var candidates []string
	if keyTemplate != "" {
		candidates = append(candidates, Expand(keyTemplate, p.Org))
	}
	if org, ok := p.organization(); ok {
		candidates = append(candidates, org.CertificateAuthorities...)
	}

	for _, name := range candidates {
		caConfig, ok := p.doc.CertificateAuthorities[strings.ToLower(name)]
		if !ok {
			continue
		}
		return p.resolveCA(name, caConfig)
	}
	return nil, status.Newf(status.GatewayStatus, status.NotFound, "no certificate authority configured for organization %s", p.Org)
}

func (p *Profile) resolveCA(name string, c CertificateAuthorityConfig) (*CertificateAuthority, error) {
	if c.URL == "" {
		return nil, status.Newf(status.GatewayStatus, status.InvalidArgument, "certificate authority %s has no url", name)
	}
	ca := &CertificateAuthority{
		Name:   name,
		URL:    c.URL,
		CAName: c.CAName,
		Verify: true,
	}
	if v, ok := lookupFold(c.HTTPOptions, "verify"); ok {
		ca.Verify = cast.ToBool(v)
	}

	if pem, ok := lookupFold(c.TLSCACerts, "pem"); ok {
		switch val := pem.(type) {
		case []interface{}:
			for _, item := range val {
				ca.TrustRoots = append(ca.TrustRoots, []byte(cast.ToString(item)))
			}
		default:
			if s := cast.ToString(val); s != "" {
				ca.TrustRoots = append(ca.TrustRoots, []byte(s))
			}
		}
	}
	if path, ok := lookupFold(c.TLSCACerts, "path"); ok && cast.ToString(path) != "" {
		file := cast.ToString(path)
		if !filepath.IsAbs(file) && p.Path != "" {
			file = filepath.Join(filepath.Dir(p.Path), file)
		}
		pem, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return nil, status.Wrap(status.GatewayStatus, status.IOError, err, "failed to read tlsCACerts of "+name)
		}
		ca.TrustRoots = append(ca.TrustRoots, pem)
	}
	return ca, nil
}

func (p *Profile) organization() (Organization, bool) {
	org, ok := p.doc.Organizations[strings.ToLower(p.Org)]
	return org, ok
}

// viper keys are case insensitive
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Expand replaces {org} in template with org
func Expand(template, org string) string {
	return strings.ReplaceAll(template, "{org}", org)
}

func validateOrg(org string) error {
	if org == "" || strings.ContainsAny(org, `/\`) || org == "." || org == ".." {
		return status.Newf(status.GatewayStatus, status.InvalidArgument, "invalid organization name: %q", org)
	}
	return nil
}
