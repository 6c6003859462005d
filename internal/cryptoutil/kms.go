package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// PublicKeyGetter is the part of the KMS API the verifier calls.
// *kms.Client satisfies it.
type PublicKeyGetter interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks signatures made with an asymmetric KMS signing key.
type KMSVerifier struct {
	client PublicKeyGetter
	keyID  string

	// AllowPKCS1v15 accepts RSA PKCS#1 v1.5 signatures when PSS fails.
	AllowPKCS1v15 bool

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

// NewKMSVerifier returns a verifier for keyID (an ARN, alias or key id).
func NewKMSVerifier(client PublicKeyGetter, keyID string) *KMSVerifier {
	return &KMSVerifier{client: client, keyID: keyID}
}

// KeyID is the key this verifier checks against.
func (v *KMSVerifier) KeyID() string { return v.keyID }

// PublicKey returns the verification key, asking KMS only on first use.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	pub := v.pubKey
	v.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyID)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, want SIGN_VERIFY", v.keyID, out.KeyUsage)
	}

	parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pubKey = parsed
	return parsed, nil
}

// VerifySignature checks signature over message with the cached key.
// ECDSA P-256 uses SHA-256, P-384 uses SHA-384 and RSA uses SHA-256 with PSS.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	if len(signature) == 0 {
		return xerrors.New("empty signature")
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		digest, err := ecdsaDigest(key.Curve, message)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ecdsa signature does not verify (curve %s)", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		pssErr := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil)
		if pssErr == nil {
			return nil
		}
		if !v.AllowPKCS1v15 {
			return xerrors.Wrap(pssErr, "rsa-pss signature does not verify")
		}
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return xerrors.Wrap(err, "rsa signature does not verify")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

func ecdsaDigest(curve elliptic.Curve, message []byte) ([]byte, error) {
	switch curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return d[:], nil
	default:
		return nil, xerrors.Newf("unsupported ecdsa curve %s", curve.Params().Name)
	}
}
