// Package credentials resolves remote API credentials and identity from a
// JSON template.
//
// A template is plain JSON with text/template actions:
//
//	{
//	  "base_url":  {{ env "CONDO_BASE_URL" "https://api.example.com" | json }},
//	  "api_token": {{ op "op://Condo/api/token" | json }},
//	  "user_id":   {{ file "/run/secrets/user_id" | json }}
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials holds all resolved credential values.
type Credentials struct {
	// APIToken is the bearer token for the remote API.
	APIToken string `json:"api_token,omitempty"`
	// BaseURL is the remote API root.
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`
	// UserID and CondoID identify the signed-in user.
	UserID  string `json:"user_id,omitempty" validate:"omitempty,max=128"`
	CondoID string `json:"condo_id,omitempty" validate:"omitempty,max=128"`
	// LocalToken guards the local HTTP surface.
	LocalToken string `json:"local_token,omitempty"`
}

var validate = validator.New()

// Validate checks the shape of resolved values.
func (c *Credentials) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	return nil
}

// Merge fills empty fields of c from other.
func (c *Credentials) Merge(other Credentials) {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&c.APIToken, other.APIToken)
	fill(&c.BaseURL, other.BaseURL)
	fill(&c.UserID, other.UserID)
	fill(&c.CondoID, other.CondoID)
	fill(&c.LocalToken, other.LocalToken)
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a secret provider as the template function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver. env, file and json are always available.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader renders the template read from src. Unknown keys are an
// error so a misspelt field does not silently leave a credential empty.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxTemplateSize)
	}

	var creds Credentials
	dec := json.NewDecoder(&out)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("decoding rendered credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	r.logger.Debug("credentials resolved",
		"base_url", creds.BaseURL,
		"user_id", creds.UserID,
		"condo_id", creds.CondoID,
		"api_token_set", creds.APIToken != "",
		"local_token_set", creds.LocalToken != "")
	return &creds, nil
}

// funcs builds the template functions for one render. Provider lookups are
// memoised for the duration of the render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env":  lookupEnv,
		"file": readTrimmed,
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	seen := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := seen[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s %q: %w", name, ref, err)
			}
			seen[key] = val
			return val, nil
		}
	}
	return fm
}

// lookupEnv returns the variable key, or the optional fallback when it is
// unset. Without a fallback an unset variable is an error.
func lookupEnv(key string, fallback ...string) (string, error) {
	if val, ok := os.LookupEnv(key); ok {
		return val, nil
	}
	switch len(fallback) {
	case 0:
		return "", fmt.Errorf("environment variable %q is not set", key)
	case 1:
		return fallback[0], nil
	default:
		return "", errors.New("env takes at most one fallback")
	}
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
