package ledger

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/quantumlife/gatekeeper/internal/logging"
)

// Signer signs entry hashes with ML-DSA-65
type Signer struct {
	public  *mldsa65.PublicKey
	private *mldsa65.PrivateKey
}

// keyFile is the on-disk representation of a signing key
type keyFile struct {
	Algorithm string `json:"algorithm"`
	Public    string `json:"public"`
	Private   string `json:"private"`
}

// GenerateSigner creates a signer with a fresh key pair
func GenerateSigner() (*Signer, error) {
	pub, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ML-DSA key: %w", err)
	}
	return &Signer{public: pub, private: priv}, nil
}

// LoadOrCreateSigner reads the key at path, generating and saving a new one
// when the file does not exist
func LoadOrCreateSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s, err := GenerateSigner()
		if err != nil {
			return nil, err
		}
		if err := s.Save(path); err != nil {
			return nil, err
		}
		logging.WithField("path", path).Info("Generated ledger signing key")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	pubBytes, err := base64.StdEncoding.DecodeString(kf.Public)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(kf.Private)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	pub := new(mldsa65.PublicKey)
	if err := pub.UnmarshalBinary(pubBytes); err != nil {
		return nil, fmt.Errorf("unmarshal public key: %w", err)
	}
	priv := new(mldsa65.PrivateKey)
	if err := priv.UnmarshalBinary(privBytes); err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}
	return &Signer{public: pub, private: priv}, nil
}

// Save writes the key pair to path with owner-only permissions
func (s *Signer) Save(path string) error {
	pubBytes, err := s.public.MarshalBinary()
	if err != nil {
		return err
	}
	privBytes, err := s.private.MarshalBinary()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(keyFile{
		Algorithm: "ML-DSA-65",
		Public:    base64.StdEncoding.EncodeToString(pubBytes),
		Private:   base64.StdEncoding.EncodeToString(privBytes),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// PublicKey returns the base64 public key
func (s *Signer) PublicKey() string {
	b, _ := s.public.MarshalBinary()
	return base64.StdEncoding.EncodeToString(b)
}

// Sign returns the base64 signature of data
func (s *Signer) Sign(data []byte) string {
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(s.private, data, nil, false, sig); err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature over data
func (s *Signer) Verify(data []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return mldsa65.Verify(s.public, data, nil, sig)
}
