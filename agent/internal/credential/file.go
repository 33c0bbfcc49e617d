package credential

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// ErrNoToken is returned by Load when no token file exists.
var ErrNoToken = errors.New("credential: no token stored")

// FileStore persists the token encrypted with age to TokenPath, using the
// X25519 identity kept at IdentityPath.
type FileStore struct {
	TokenPath    string
	IdentityPath string
}

// Token implements Provider. Decryption failures are logged and reported
// as "no token" so the transport classifies the request as AuthInvalid.
func (s FileStore) Token() (string, bool) {
	token, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			slog.Warn("credential: token file unreadable", "path", s.TokenPath, "err", err)
		}
		return "", false
	}
	return token, true
}

// Load decrypts and returns the stored token.
func (s FileStore) Load() (string, error) {
	ciphertext, err := os.ReadFile(s.TokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("credential: read token file: %w", err)
	}

	identity, err := s.readIdentity()
	if err != nil {
		return "", err
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return "", fmt.Errorf("credential: decrypt token: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("credential: read decrypted token: %w", err)
	}
	token := strings.TrimSpace(string(plaintext))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Store encrypts token and writes it to TokenPath, generating the identity
// file first if it does not exist.
func (s FileStore) Store(token string) error {
	token = strings.TrimSpace(token)
	if len(token) < MinTokenLength {
		return fmt.Errorf("credential: token too short (%d chars, need at least %d)", len(token), MinTokenLength)
	}

	identity, err := s.readIdentity()
	if errors.Is(err, os.ErrNotExist) {
		identity, err = s.generateIdentity()
	}
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return fmt.Errorf("credential: create encryptor: %w", err)
	}
	if _, err := io.WriteString(w, token); err != nil {
		return fmt.Errorf("credential: encrypt token: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("credential: finalize encryption: %w", err)
	}
	return writeFileAtomic(s.TokenPath, buf.Bytes())
}

// Delete removes the token file. A missing file is not an error. The
// identity is kept so a later Store reuses it.
func (s FileStore) Delete() error {
	if err := os.Remove(s.TokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential: delete token: %w", err)
	}
	return nil
}

func (s FileStore) readIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.IdentityPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("credential: identity file %q: %w", s.IdentityPath, os.ErrNotExist)
		}
		return nil, fmt.Errorf("credential: read identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("credential: parse identity: %w", err)
	}
	return identity, nil
}

func (s FileStore) generateIdentity() (*age.X25519Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("credential: generate identity: %w", err)
	}
	if err := writeFileAtomic(s.IdentityPath, []byte(identity.String()+"\n")); err != nil {
		return nil, err
	}
	slog.Info("credential: generated identity", "path", s.IdentityPath)
	return identity, nil
}

// writeFileAtomic writes data to a temp file beside path with mode 0600
// and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("credential: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("credential: rename into place: %w", err)
	}
	return nil
}
