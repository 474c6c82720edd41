// Package secrets stores per-workspace secrets as envelope-encrypted
// blobs and injects them into workspaces as a sourced shell file.
// Plaintext is never persisted and never appears in list output.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/store"
)

// SecretsFile is where injected secrets land inside a workspace.
const SecretsFile = "/home/dev/.termflux_secrets"

const bashrcSentinel = "# termflux secrets"

var nameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Records is the slice of the relational store the vault needs.
type Records interface {
	UpsertSecret(ctx context.Context, rec *store.SecretRecord) error
	GetSecret(ctx context.Context, workspaceID, name string) (*store.SecretRecord, error)
	ListSecrets(ctx context.Context, workspaceID string) ([]*store.SecretRecord, error)
	DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error)
}

// Info describes a secret without its plaintext.
type Info struct {
	ID        string
	Name      string
	CreatedAt int64
	UpdatedAt int64
}

// Vault encrypts and decrypts secrets under a process-wide master key.
type Vault struct {
	masterKey []byte
	records   Records
	drv       docker.Driver
	log       *zap.Logger
}

// New builds a vault. The driver is used only for injection and may be
// nil in contexts that never inject.
func New(masterKey string, records Records, drv docker.Driver, log *zap.Logger) (*Vault, error) {
	if masterKey == "" {
		return nil, errs.NewValidation("masterKey", "must not be empty")
	}
	return &Vault{masterKey: []byte(masterKey), records: records, drv: drv, log: log}, nil
}

// Set validates the name and upserts an encrypted envelope for
// (workspace, name). Each write gets a fresh salt and nonce.
func (v *Vault) Set(ctx context.Context, workspaceID, name, value string) error {
	if !nameRe.MatchString(name) {
		return errs.NewValidation("name", "must match ^[A-Z_][A-Z0-9_]*$")
	}
	blob, err := v.seal([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	return v.records.UpsertSecret(ctx, &store.SecretRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		Envelope:    blob,
	})
}

// Get decrypts one secret. A corrupt envelope is an error, never
// silently returned.
func (v *Vault) Get(ctx context.Context, workspaceID, name string) (string, error) {
	rec, err := v.records.GetSecret(ctx, workspaceID, name)
	if err != nil {
		return "", err
	}
	plain, err := v.open(rec.Envelope)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", name, err)
	}
	return string(plain), nil
}

// List returns secret metadata only.
func (v *Vault) List(ctx context.Context, workspaceID string) ([]Info, error) {
	recs, err := v.records.ListSecrets(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(recs))
	for _, r := range recs {
		out = append(out, Info{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// Delete removes one secret, reporting whether it existed.
func (v *Vault) Delete(ctx context.Context, workspaceID, name string) (bool, error) {
	return v.records.DeleteSecret(ctx, workspaceID, name)
}

// ImportEnv parses KEY=VALUE lines and stores each pair. Blank lines
// and #-comments are skipped; paired surrounding quotes are stripped
// once. Returns the names written in input order.
func (v *Vault) ImportEnv(ctx context.Context, workspaceID, text string) ([]string, error) {
	var written []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return written, errs.NewValidation("env", fmt.Sprintf("line %q has no '='", line))
		}
		name = strings.TrimSpace(name)
		if !nameRe.MatchString(name) {
			return written, errs.NewValidation("env", fmt.Sprintf("invalid name %q", name))
		}
		if err := v.Set(ctx, workspaceID, name, unquoteValue(value)); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	return written, nil
}

// ExportEnv renders every secret as KEY=VALUE text, double-quoting any
// value that needs it. ImportEnv over the output restores the same
// names and values.
func (v *Vault) ExportEnv(ctx context.Context, workspaceID string) (string, error) {
	recs, err := v.records.ListSecrets(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range recs {
		plain, err := v.open(r.Envelope)
		if err != nil {
			return "", fmt.Errorf("decrypt %s: %w", r.Name, err)
		}
		b.WriteString(r.Name)
		b.WriteByte('=')
		b.WriteString(quoteValue(string(plain)))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// InjectIntoContainer writes the secrets file inside the workspace and
// wires a guarded source line into .bashrc so new shells pick it up.
func (v *Vault) InjectIntoContainer(ctx context.Context, workspaceID string) error {
	if v.drv == nil {
		return errors.New("secrets: no container driver configured")
	}
	recs, err := v.records.ListSecrets(ctx, workspaceID)
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, r := range recs {
		plain, err := v.open(r.Envelope)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", r.Name, err)
		}
		b.WriteString("export ")
		b.WriteString(r.Name)
		b.WriteByte('=')
		b.WriteString(docker.ShellQuote(string(plain)))
		b.WriteByte('\n')
	}

	if err := docker.WriteFile(ctx, v.drv, workspaceID, SecretsFile, b.String(), "0600"); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	sourceLine := fmt.Sprintf("%s\n[ -f %s ] && source %s", bashrcSentinel, SecretsFile, SecretsFile)
	if err := docker.AppendLineOnce(ctx, v.drv, workspaceID, "/home/dev/.bashrc",
		bashrcSentinel, sourceLine); err != nil {
		return fmt.Errorf("wire bashrc: %w", err)
	}
	if v.log != nil {
		v.log.Info("injected secrets",
			zap.String("workspace_id", workspaceID),
			zap.Int("count", len(recs)))
	}
	return nil
}

// Rotate re-encrypts every secret with a fresh salt and nonce. The
// plaintext round-trips through memory only.
func (v *Vault) Rotate(ctx context.Context, workspaceID string) error {
	recs, err := v.records.ListSecrets(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, r := range recs {
		plain, err := v.open(r.Envelope)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", r.Name, err)
		}
		blob, err := v.seal(plain)
		if err != nil {
			return fmt.Errorf("re-encrypt %s: %w", r.Name, err)
		}
		r.Envelope = blob
		if err := v.records.UpsertSecret(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// MaskInText replaces literal occurrences of every secret value of
// length >= 4 with asterisks. Longer values are masked first so a
// secret that is a substring of another never leaves a partial leak.
func (v *Vault) MaskInText(ctx context.Context, workspaceID, text string) (string, error) {
	recs, err := v.records.ListSecrets(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	var values []string
	for _, r := range recs {
		plain, err := v.open(r.Envelope)
		if err != nil {
			return "", fmt.Errorf("decrypt %s: %w", r.Name, err)
		}
		if len(plain) >= 4 {
			values = append(values, string(plain))
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, val := range values {
		text = strings.ReplaceAll(text, val, "********")
	}
	return text, nil
}

// unquoteValue strips one layer of paired surrounding quotes and, for
// double quotes, unescapes embedded \" so ExportEnv output re-imports
// to the same value.
func unquoteValue(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

// quoteValue double-quotes values containing shell-significant bytes,
// escaping embedded double quotes.
func quoteValue(s string) string {
	if !strings.ContainsAny(s, " \t\"'$`\\") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
