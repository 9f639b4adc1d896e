package aa

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const secretsDirWalkUpLevels = 6

// ChooseSecretsDir walks up from the current directory (up to six levels)
// looking for a repo-root marker (.git, or a deployments/ folder) and
// returns <root>/.secrets. If no marker is found, it falls back to
// <cwd>/.secrets so generated keys still land somewhere predictable.
func ChooseSecretsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("read current dir: %w", err)
	}
	cwd := dir

	for i := 0; i < secretsDirWalkUpLevels; i++ {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return filepath.Join(dir, ".secrets"), nil
		}
		if info, err := os.Stat(filepath.Join(dir, "deployments")); err == nil && info.IsDir() {
			return filepath.Join(dir, ".secrets"), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return filepath.Join(cwd, ".secrets"), nil
}

// GenerateRandomWallet produces a fresh secp256k1 key, rejecting the
// astronomically unlikely all-zero key, matching the original's defensive
// retry loop.
func GenerateRandomWallet() (*ecdsa.PrivateKey, common.Address, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var raw [32]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, common.Address{}, fmt.Errorf("read random bytes: %w", err)
		}
		if allZero(raw[:]) {
			continue
		}
		key, err := crypto.ToECDSA(raw[:])
		if err != nil {
			continue
		}
		return key, crypto.PubkeyToAddress(key.PublicKey), nil
	}
	return nil, common.Address{}, fmt.Errorf("failed to generate a valid random private key after multiple attempts")
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// WriteOwnerEnvFile persists a generated owner key as a sourceable shell
// env file at 0600 permissions. The key is never logged or printed;
// callers only ever surface path.
func WriteOwnerEnvFile(path string, owner common.Address, privateKeyHex string) error {
	contents := fmt.Sprintf(
		"# Generated by opensub-aa --new-owner\n# DO NOT COMMIT THIS FILE.\nexport OPENSUB_AA_OWNER_PRIVATE_KEY=%s\nexport OPENSUB_AA_OWNER_ADDRESS=%s\n",
		privateKeyHex, owner.Hex(),
	)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// WriteFile already applies 0600, but umask can widen it on some
	// platforms; tighten explicitly as a best effort.
	_ = os.Chmod(path, 0o600)
	return nil
}

// LoadOrGenerateOwner resolves the owner key. With generateNew set it
// generates a new key and persists it under ChooseSecretsDir, ignoring
// privateKeyHex; otherwise it parses privateKeyHex, which must be non-empty.
// It returns the key, its address, and the env file path (empty unless a
// new key was generated).
func LoadOrGenerateOwner(privateKeyHex string, generateNew bool) (*ecdsa.PrivateKey, common.Address, string, error) {
	if generateNew {
		key, owner, err := GenerateRandomWallet()
		if err != nil {
			return nil, common.Address{}, "", err
		}
		secretsDir, err := ChooseSecretsDir()
		if err != nil {
			return nil, common.Address{}, "", err
		}
		path := filepath.Join(secretsDir, fmt.Sprintf("aa_owner_%s.env", owner.Hex()[2:]))
		privateKeyHex := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
		if err := WriteOwnerEnvFile(path, owner, privateKeyHex); err != nil {
			return nil, common.Address{}, "", err
		}
		return key, owner, path, nil
	}

	if privateKeyHex == "" {
		return nil, common.Address{}, "", fmt.Errorf("missing OPENSUB_AA_OWNER_PRIVATE_KEY (or --owner-private-key), or pass --new-owner")
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, common.Address{}, "", fmt.Errorf("invalid owner private key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), "", nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
