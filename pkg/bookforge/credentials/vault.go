package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/term"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

const (
	// VaultFile is the default vault file name.
	VaultFile = ".bookforge.vault"

	// VaultPasswordEnv unlocks the vault non-interactively.
	VaultPasswordEnv = "BOOKFORGE_VAULT_PASSWORD"

	verifyEntry = "__verify__"
	verifyText  = "bookforge-vault-ok"
)

// ErrVaultRekeyed is returned by writes after another process changed the
// vault password. Unlock again with the new password.
var ErrVaultRekeyed = errors.New("vault password was changed by another process")

// VaultEntry holds one encrypted secret.
type VaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// VaultData is the on-disk format of the vault.
type VaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	Entries map[string]VaultEntry `json:"entries"`
}

// Vault is a password-protected key file. Secrets are encrypted with
// AES-256-GCM under an Argon2id-derived key; the password itself is never
// stored. Writes take an exclusive file lock so two processes sharing the
// file cannot interleave saves.
type Vault struct {
	path       string
	lock       *flock.Flock
	data       *VaultData
	derivedKey []byte
	mu         sync.RWMutex
}

// NewVault points at path. The vault is locked until Create or Unlock.
func NewVault(path string) *Vault {
	return &Vault{path: path, lock: flock.New(path + ".lock")}
}

// Exists returns true if the vault file exists on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Path returns the vault file path.
func (v *Vault) Path() string {
	return v.path
}

// IsUnlocked returns true if the vault has been unlocked with a password.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.derivedKey != nil
}

// Create initializes a new vault with the given master password.
func (v *Vault) Create(password string) error {
	if password == "" {
		return fmt.Errorf("vault password must not be empty")
	}
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	key := deriveKey(password, salt)
	data := &VaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]VaultEntry),
	}
	ve, err := encryptEntry(key, []byte(verifyText))
	if err != nil {
		return err
	}
	data.Entries[verifyEntry] = ve

	v.mu.Lock()
	defer v.mu.Unlock()

	unlock, err := v.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}
	if err := v.writeFile(data); err != nil {
		return err
	}
	v.derivedKey = key
	v.data = data
	return nil
}

// Unlock decrypts and loads the vault using the master password.
func (v *Vault) Unlock(password string) error {
	data, err := readVaultFile(v.path)
	if err != nil {
		return err
	}

	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	key := deriveKey(password, salt)
	if verify, ok := data.Entries[verifyEntry]; ok {
		if _, err := decryptEntry(key, verify); err != nil {
			return fmt.Errorf("wrong password")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.derivedKey = key
	v.data = data
	return nil
}

// Lock clears the derived key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.derivedKey {
		v.derivedKey[i] = 0
	}
	v.derivedKey = nil
}

// Set stores a secret. The vault must be unlocked.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.derivedKey == nil {
		return fmt.Errorf("vault is locked")
	}

	entry, err := encryptEntry(v.derivedKey, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	return v.updateLocked(func(data *VaultData) error {
		data.Entries[name] = entry
		return nil
	})
}

// Get retrieves a secret, "" if absent. The vault must be unlocked.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.derivedKey == nil {
		return "", fmt.Errorf("vault is locked")
	}
	entry, ok := v.data.Entries[name]
	if !ok {
		return "", nil
	}
	plaintext, err := decryptEntry(v.derivedKey, entry)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes a secret. The vault must be unlocked.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.derivedKey == nil {
		return fmt.Errorf("vault is locked")
	}
	return v.updateLocked(func(data *VaultData) error {
		delete(data.Entries, name)
		return nil
	})
}

// Keys returns the sorted names of all stored secrets.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.derivedKey == nil {
		return nil, fmt.Errorf("vault is locked")
	}
	keys := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k == verifyEntry {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ChangePassword re-encrypts all entries with a new master password.
func (v *Vault) ChangePassword(newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("vault password must not be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.derivedKey == nil {
		return fmt.Errorf("vault is locked")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	newKey := deriveKey(newPassword, salt)

	err := v.updateLocked(func(data *VaultData) error {
		entries := make(map[string]VaultEntry, len(data.Entries))
		for name, entry := range data.Entries {
			plaintext, err := decryptEntry(v.derivedKey, entry)
			if err != nil {
				return fmt.Errorf("decrypting %s: %w", name, err)
			}
			if entries[name], err = encryptEntry(newKey, plaintext); err != nil {
				return fmt.Errorf("re-encrypting %s: %w", name, err)
			}
		}
		data.Salt = base64.StdEncoding.EncodeToString(salt)
		data.Entries = entries
		return nil
	})
	if err != nil {
		return err
	}

	for i := range v.derivedKey {
		v.derivedKey[i] = 0
	}
	v.derivedKey = newKey
	return nil
}

func encryptEntry(key, plaintext []byte) (VaultEntry, error) {
	nonce, ct, err := seal(key, plaintext)
	if err != nil {
		return VaultEntry{}, err
	}
	return VaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

func decryptEntry(key []byte, entry VaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	return open(key, nonce, ct)
}

func readVaultFile(path string) (*VaultData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault: %w", err)
	}
	var data VaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing vault: %w", err)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]VaultEntry)
	}
	return &data, nil
}

// acquire takes the cross-process file lock.
func (v *Vault) acquire() (func(), error) {
	if dir := filepath.Dir(v.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating vault directory: %w", err)
		}
	}
	if err := v.lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring vault lock: %w", err)
	}
	return func() { _ = v.lock.Unlock() }, nil
}

// updateLocked re-reads the file under the file lock, applies fn to that
// copy and writes it back, so entries saved by other processes since
// Unlock survive. Caller must hold v.mu.
func (v *Vault) updateLocked(fn func(*VaultData) error) error {
	unlock, err := v.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := readVaultFile(v.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		current = cloneVaultData(v.data)
	case err != nil:
		return err
	case current.Salt != v.data.Salt:
		return ErrVaultRekeyed
	}

	if err := fn(current); err != nil {
		return err
	}
	if err := v.writeFile(current); err != nil {
		return err
	}
	v.data = current
	return nil
}

func cloneVaultData(d *VaultData) *VaultData {
	out := &VaultData{Version: d.Version, Salt: d.Salt, Entries: make(map[string]VaultEntry, len(d.Entries))}
	for k, e := range d.Entries {
		out.Entries[k] = e
	}
	return out
}

// writeFile replaces the vault file atomically. Caller must hold the file
// lock.
func (v *Vault) writeFile(data *VaultData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing vault: %w", err)
	}
	return nil
}

// VaultResolver serves provider keys from an unlocked vault. A locked or
// missing vault yields no keys.
type VaultResolver struct {
	vault *Vault
}

// NewVaultResolver wraps v.
func NewVaultResolver(v *Vault) *VaultResolver {
	return &VaultResolver{vault: v}
}

// Resolve implements Resolver.
func (r *VaultResolver) Resolve(_ context.Context, id providers.ID) (string, error) {
	if r.vault == nil || !r.vault.IsUnlocked() {
		return "", nil
	}
	name, ok := keyName(id)
	if !ok {
		return "", nil
	}
	return r.vault.Get(name)
}

// SetProviderKey stores key for id under the provider's env name.
func (v *Vault) SetProviderKey(id providers.ID, key string) error {
	name, ok := keyName(id)
	if !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	return v.Set(name, key)
}

// DeleteProviderKey removes the key for id.
func (v *Vault) DeleteProviderKey(id providers.ID) error {
	name, ok := keyName(id)
	if !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	return v.Delete(name)
}

// UnlockVault opens v using VaultPasswordEnv or, when stdin is a terminal
// and interactive is set, a password prompt. It reports whether the vault
// ended up unlocked.
func UnlockVault(v *Vault, interactive bool) (bool, error) {
	if !v.Exists() {
		return false, nil
	}
	if v.IsUnlocked() {
		return true, nil
	}
	if pass := os.Getenv(VaultPasswordEnv); pass != "" {
		if err := v.Unlock(pass); err != nil {
			return false, fmt.Errorf("unlocking vault with %s: %w", VaultPasswordEnv, err)
		}
		return true, nil
	}
	if !interactive || !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, nil
	}
	pass, err := ReadPassword("Vault password: ")
	if err != nil {
		return false, err
	}
	if err := v.Unlock(pass); err != nil {
		return false, err
	}
	return true, nil
}

// ReadPassword reads a password from the terminal without echoing. Piped
// input is read as-is.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	password, err := term.ReadPassword(fd)
	if err != nil {
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("reading password: %w", readErr)
		}
		password = buf[:n]
	}
	fmt.Fprintln(os.Stderr)

	return strings.TrimRight(string(password), "\r\n"), nil
}
