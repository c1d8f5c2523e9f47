package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrNoKeyMaterial is returned by Provision when the key file is absent and
// generation is not allowed.
var ErrNoKeyMaterial = errors.New("security: no key material")

// Material holds raw key bytes between loading and Initialize.
type Material struct {
	EncryptionKey []byte
	IntegrityKey  []byte
}

// String never prints key bytes.
func (m Material) String() string { return "security.Material{redacted}" }

// GoString keeps %#v from printing key bytes.
func (m Material) GoString() string { return m.String() }

type keyFile struct {
	EncryptionKey string `yaml:"encryption_key"`
	IntegrityKey  string `yaml:"integrity_key"`
}

// GenerateMaterial returns two fresh random keys.
func GenerateMaterial() (Material, error) {
	m := Material{
		EncryptionKey: make([]byte, KeySize),
		IntegrityKey:  make([]byte, KeySize),
	}
	if _, err := rand.Read(m.EncryptionKey); err != nil {
		return Material{}, fmt.Errorf("security: generate encryption key: %w", err)
	}
	if _, err := rand.Read(m.IntegrityKey); err != nil {
		return Material{}, fmt.Errorf("security: generate integrity key: %w", err)
	}
	return m, nil
}

// LoadMaterial reads a YAML key file holding two hex-encoded keys.
func LoadMaterial(path string) (Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Material{}, fmt.Errorf("security: read key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return Material{}, fmt.Errorf("security: parse key file: %w", err)
	}
	enc, err := hex.DecodeString(kf.EncryptionKey)
	if err != nil {
		return Material{}, fmt.Errorf("security: encryption_key: %w", err)
	}
	macKey, err := hex.DecodeString(kf.IntegrityKey)
	if err != nil {
		return Material{}, fmt.Errorf("security: integrity_key: %w", err)
	}
	if len(enc) != KeySize || len(macKey) != KeySize {
		return Material{}, ErrInvalidKey
	}
	return Material{EncryptionKey: enc, IntegrityKey: macKey}, nil
}

// SaveMaterial writes m to path with mode 0600, creating parent directories.
func SaveMaterial(path string, m Material) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("security: key dir: %w", err)
		}
	}
	data, err := yaml.Marshal(keyFile{
		EncryptionKey: hex.EncodeToString(m.EncryptionKey),
		IntegrityKey:  hex.EncodeToString(m.IntegrityKey),
	})
	if err != nil {
		return fmt.Errorf("security: encode key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("security: write key file: %w", err)
	}
	return nil
}

// Provision initializes env from the key file at path. When the file does
// not exist and generate is true, fresh keys are created and written first.
// An envelope that is already initialized is left untouched.
func Provision(env *Envelope, path string, generate bool, log *zap.Logger) error {
	if env.Initialized() {
		return nil
	}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			log.Warn("security: key file readable by other users",
				zap.String("path", path),
				zap.String("mode", fmt.Sprintf("%04o", perm)),
			)
		}
		m, err := LoadMaterial(path)
		if err != nil {
			return err
		}
		return env.Initialize(m.EncryptionKey, m.IntegrityKey)

	case errors.Is(err, os.ErrNotExist):
		if !generate {
			return fmt.Errorf("%w: %s", ErrNoKeyMaterial, path)
		}
		m, err := GenerateMaterial()
		if err != nil {
			return err
		}
		if err := SaveMaterial(path, m); err != nil {
			return err
		}
		log.Info("security: generated key file", zap.String("path", path))
		return env.Initialize(m.EncryptionKey, m.IntegrityKey)

	default:
		return fmt.Errorf("security: stat key file: %w", err)
	}
}
