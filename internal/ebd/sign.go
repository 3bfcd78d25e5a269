package ebd

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultKeyDir is where signing keys live on the host. Variable so tests can
// point it at a temp dir.
var DefaultKeyDir = "/etc/pkgcore/keys"

func keyDir() string {
	if rootDir != "" && rootDir != "/" {
		return filepath.Join(rootDir, "etc", "pkgcore", "keys")
	}
	return DefaultKeyDir
}

// getPrivateKey loads the Ed25519 private key for activeKeyID. Both raw
// 64-byte and hex-encoded key files are accepted.
func getPrivateKey() (ed25519.PrivateKey, error) {
	if activeKeyID == "" {
		return nil, fmt.Errorf("no signing key configured (PKGCORE_KEY)")
	}
	keyPath := filepath.Join(keyDir(), activeKeyID+".key")

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("private key not found at %s: %w", keyPath, err)
	}

	trimmed := strings.TrimSpace(string(keyData))
	if len(trimmed) == 2*ed25519.PrivateKeySize {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return ed25519.PrivateKey(decoded), nil
		}
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(keyData), nil
	}
	return nil, fmt.Errorf("invalid private key format at %s (expected %d raw bytes or %d hex chars)",
		keyPath, ed25519.PrivateKeySize, 2*ed25519.PrivateKeySize)
}

// getPublicKey loads the Ed25519 public key for id.
func getPublicKey(id string) (ed25519.PublicKey, error) {
	pubPath := filepath.Join(keyDir(), id+".pub")
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("public key not found at %s: %w", pubPath, err)
	}

	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 2*ed25519.PublicKeySize {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return ed25519.PublicKey(decoded), nil
		}
	}
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}
	return nil, fmt.Errorf("invalid public key format at %s", pubPath)
}

// GenerateKeyPair creates a new Ed25519 keypair under the key directory,
// hex-encoded, private key readable only by its owner.
func GenerateKeyPair(id string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	dir := keyDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	privPath := filepath.Join(dir, id+".key")
	pubPath := filepath.Join(dir, id+".pub")
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("key %s already exists at %s", id, privPath)
	}

	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Generated keypair %s\n", id)
	colArrow.Print("-> ")
	colNote.Printf("Public key: %s\n", hex.EncodeToString(pub))
	return nil
}

// SignData returns the hex-encoded detached signature of data.
func SignData(data []byte, priv ed25519.PrivateKey) []byte {
	sig := ed25519.Sign(priv, data)
	return []byte(hex.EncodeToString(sig))
}

// VerifySignatureRaw checks a hex-encoded detached signature against data.
func VerifySignatureRaw(data, sigHex []byte, pub ed25519.PublicKey) error {
	sig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// SignFile writes a detached .sig next to path using the active key. A
// missing key configuration is not an error; unsigned artifacts are legal.
func SignFile(path string) error {
	if activeKeyID == "" {
		debugf("No signing key configured, leaving %s unsigned\n", path)
		return nil
	}
	priv, err := getPrivateKey()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s for signing: %w", path, err)
	}
	if err := os.WriteFile(path+".sig", SignData(data, priv), 0644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Signed %s with key %s\n", filepath.Base(path), activeKeyID)
	return nil
}

// VerifyFile checks path against its detached .sig with keyID's public key.
func VerifyFile(path, keyID string) error {
	pub, err := getPublicKey(keyID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(path + ".sig")
	if err != nil {
		return fmt.Errorf("no signature for %s: %w", path, err)
	}
	return VerifySignatureRaw(data, sig, pub)
}
