package admin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/sidkik/peersync/pkg/errors"
)

// sessionKeySize is the length of the AES-128 key generated for each admin
// connection.
const sessionKeySize = 16

var fs = afero.NewOsFs()

// ParseAuthorizedKeys parses OpenSSH public key lines into a map from the
// identity in each line's comment to its RSA key.
func ParseAuthorizedKeys(lines []string) (map[string]*rsa.PublicKey, error) {
	keys := map[string]*rsa.PublicKey{}
	for i, line := range lines {
		pub, identity, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("parse authorized key %d", i))
		}

		identity = strings.TrimSpace(identity)
		if identity == "" {
			return nil, errors.InvalidFieldError{
				Field:  fmt.Sprintf("authorizedKeys[%d]", i),
				Reason: "the key has no identity comment",
			}
		}

		cryptoPub, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			return nil, errors.NewFriendlyError("authorized key for %q can't be used for encryption", identity)
		}
		rsaPub, ok := cryptoPub.CryptoPublicKey().(*rsa.PublicKey)
		if !ok {
			return nil, errors.NewFriendlyError(
				"authorized key for %q is a %s key. Only RSA keys are supported.", identity, pub.Type())
		}
		keys[identity] = rsaPub
	}
	return keys, nil
}

// LoadPrivateKey reads a PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}

	key, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return nil, errors.WithContext(err, "parse")
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.NewFriendlyError("%s is not an RSA private key", path)
	}
	return rsaKey, nil
}

func newSessionKey() ([]byte, error) {
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.WithContext(err, "generate key")
	}
	return key, nil
}

// wrapKey encrypts a session key so that only the holder of the private half
// of `pub` can use it.
func wrapKey(pub *rsa.PublicKey, key []byte) (string, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return "", errors.WithContext(err, "encrypt session key")
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func unwrapKey(priv *rsa.PrivateKey, wrapped string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, errors.WithContext(err, "decode session key")
	}

	key, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, errors.WithContext(err, "decrypt session key")
	}
	if len(key) != sessionKeySize {
		return nil, errors.New("session key has the wrong length")
	}
	return key, nil
}

// seal encrypts `plaintext` with AES-GCM. The nonce is prepended to the
// ciphertext.
func seal(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.WithContext(err, "generate nonce")
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(key []byte, payload string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.WithContext(err, "decode payload")
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("payload is too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.WithContext(err, "decrypt payload")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithContext(err, "create cipher")
	}
	return cipher.NewGCM(block)
}

// sealJSON marshals `v` and encrypts it into a Payload.
func sealJSON(key []byte, v interface{}) (Payload, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return Payload{}, errors.WithContext(err, "marshal")
	}

	sealed, err := seal(key, plaintext)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Payload: sealed}, nil
}

func openJSON(key []byte, payload Payload, v interface{}) error {
	plaintext, err := open(key, payload.Payload)
	if err != nil {
		return err
	}
	return errors.WithContext(json.Unmarshal(plaintext, v), "unmarshal")
}
