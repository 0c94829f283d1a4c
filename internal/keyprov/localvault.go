package keyprov

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/cryptoutil"
	"github.com/backydb/backydb/internal/errs"
)

const (
	privateKeyPEMType = "BACKY ENCRYPTED PRIVATE KEY"
	pbkdf2Iterations  = 100_000
	vaultDirName      = ".backy-secrets"
)

// LocalVault keeps a password-protected RSA key pair on disk. The first use
// with an empty vault generates the pair; Wrap only ever touches the public
// half, Unwrap decrypts the private key with the caller-supplied password.
type LocalVault struct {
	dir      string
	password string
	keySize  int

	mu      sync.Mutex
	pub     *rsa.PublicKey
	version string
}

// NewLocalVault opens (or initializes) the vault directory and loads the
// newest public key version.
func NewLocalVault(cfg config.SecurityConfig) (*LocalVault, error) {
	dir := cfg.LocalKeyStorePath
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errs.Wrap(errs.KeyNotFound, "keyprov.localvault", err)
		}
		dir = filepath.Join(home, vaultDirName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.KeyAccessDenied, "keyprov.localvault", err)
	}

	v := &LocalVault{dir: dir, password: cfg.PrivateKeyPassword, keySize: cfg.KeySize}
	if v.keySize == 0 {
		v.keySize = 4096
	}
	if err := v.ensureKeys(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *LocalVault) ID() string { return "local" }

func (v *LocalVault) Params() Params {
	return Params{Algorithm: "RSA-OAEP-SHA256", KeySize: v.keySize}
}

func (v *LocalVault) Wrap(_ context.Context, dataKey []byte) ([]byte, error) {
	v.mu.Lock()
	pub := v.pub
	v.mu.Unlock()
	if pub == nil {
		return nil, errs.New(errs.KeyNotFound, "keyprov.localvault", "public key not loaded")
	}
	return rsaWrap(pub, dataKey)
}

func (v *LocalVault) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	v.mu.Lock()
	version := v.version
	v.mu.Unlock()

	priv, err := v.loadPrivateKey(version)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Drop the private exponent material as soon as the unwrap is done.
		priv.D.SetInt64(0)
	}()
	return rsaUnwrap(priv, wrapped)
}

// ensureKeys loads the newest key version, generating a fresh pair when the
// vault is empty.
func (v *LocalVault) ensureKeys() error {
	version, err := v.latestVersion()
	if err != nil {
		return err
	}
	if version == "" {
		if err := v.generate("v1"); err != nil {
			return err
		}
		version = "v1"
	}

	data, err := os.ReadFile(v.publicKeyPath(version))
	if err != nil {
		return errs.Wrap(errs.KeyNotFound, "keyprov.localvault", err)
	}
	pub, err := parsePublicKeyPEM(data)
	if err != nil {
		return errs.Wrap(errs.KeyAlgorithmUnsupported, "keyprov.localvault", err)
	}

	v.mu.Lock()
	v.pub = pub
	v.version = version
	v.mu.Unlock()
	return nil
}

// latestVersion returns the newest version suffix among public_key_*.pem
// files, or "" for an empty vault.
func (v *LocalVault) latestVersion() (string, error) {
	matches, err := filepath.Glob(filepath.Join(v.dir, "public_key_*.pem"))
	if err != nil {
		return "", errs.Wrap(errs.KeyNotFound, "keyprov.localvault", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	versions := make([]string, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".pem")
		versions = append(versions, strings.TrimPrefix(base, "public_key_"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions[0], nil
}

func (v *LocalVault) publicKeyPath(version string) string {
	return filepath.Join(v.dir, fmt.Sprintf("public_key_%s.pem", version))
}

func (v *LocalVault) privateKeyPath(version string) string {
	return filepath.Join(v.dir, fmt.Sprintf("private_key_%s.pem", version))
}

// generate creates an RSA pair, storing the private key PKCS#8 DER sealed
// with AES-256-GCM under a PBKDF2 key from the vault password.
func (v *LocalVault) generate(version string) error {
	if v.password == "" {
		return errs.New(errs.KeyAccessDenied, "keyprov.localvault", "private key password is empty")
	}

	priv, err := rsa.GenerateKey(rand.Reader, v.keySize)
	if err != nil {
		return errs.Wrap(errs.Internal, "keyprov.localvault", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return errs.Wrap(errs.Internal, "keyprov.localvault", err)
	}
	sealed, err := sealPrivateKey(der, v.password)
	cryptoutil.Wipe(der)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: sealed})
	if err := os.WriteFile(v.privateKeyPath(version), privPEM, 0o600); err != nil {
		return errs.Wrap(errs.KeyAccessDenied, "keyprov.localvault", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return errs.Wrap(errs.Internal, "keyprov.localvault", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(v.publicKeyPath(version), pubPEM, 0o644); err != nil {
		return errs.Wrap(errs.KeyAccessDenied, "keyprov.localvault", err)
	}
	return nil
}

func (v *LocalVault) loadPrivateKey(version string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(v.privateKeyPath(version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KeyNotFound, "keyprov.localvault", err)
		}
		return nil, errs.Wrap(errs.KeyAccessDenied, "keyprov.localvault", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyPEMType {
		return nil, errs.New(errs.KeyAlgorithmUnsupported, "keyprov.localvault",
			"unexpected PEM block in %s", v.privateKeyPath(version))
	}
	der, err := openPrivateKey(block.Bytes, v.password)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Wipe(der)
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.KeyAlgorithmUnsupported, "keyprov.localvault", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.New(errs.KeyAlgorithmUnsupported, "keyprov.localvault",
			"private key is %T, want RSA", key)
	}
	return priv, nil
}

// sealPrivateKey produces salt(16) || nonce(12) || AES-256-GCM ciphertext.
func sealPrivateKey(der []byte, password string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.seal", err)
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.seal", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	defer cryptoutil.Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.seal", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.seal", err)
	}
	out := append(salt, nonce...)
	return aead.Seal(out, nonce, der, nil), nil
}

func openPrivateKey(sealed []byte, password string) ([]byte, error) {
	if len(sealed) < 16+12+16 {
		return nil, errs.New(errs.KeyAlgorithmUnsupported, "keyprov.open", "private key blob too short")
	}
	salt, nonce, ciphertext := sealed[:16], sealed[16:28], sealed[28:]
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	defer cryptoutil.Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.open", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "keyprov.open", err)
	}
	der, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.New(errs.KeyAccessDenied, "keyprov.open", "wrong private key password")
	}
	return der, nil
}
