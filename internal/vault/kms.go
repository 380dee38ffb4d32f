package vault

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/aionixone/openact/internal/openacterr"
)

// KMSBackend is the optional production-grade Vault backend supplementing
// the required local master-key baseline: it wraps each per-secret data
// key with AWS KMS instead of a locally held master key
// (GenerateDataKey/Decrypt, 32-byte data
// keys, LocalStack-aware endpoint override).
type KMSBackend struct {
	client *kms.Client
	keyID  string
}

// NewKMSBackend loads AWS config and constructs a backend bound to keyID.
// A non-empty endpoint overrides the KMS endpoint (e.g. a local KMS
// emulator); LOCALSTACK_ENDPOINT is not read here.
func NewKMSBackend(ctx context.Context, keyID, region, endpoint string) (*KMSBackend, error) {
	const op = "vault.NewKMSBackend"
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindCrypto, op, "failed to load AWS config", err)
	}

	var client *kms.Client
	if endpoint != "" {
		client = kms.NewFromConfig(cfg, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	} else {
		client = kms.NewFromConfig(cfg)
	}

	return &KMSBackend{client: client, keyID: keyID}, nil
}

// Encrypt asks KMS for a fresh 32-byte data key, uses the plaintext copy to
// seal data locally via AES-256-GCM, and prefixes the KMS-wrapped copy of
// the data key onto the ciphertext (KMS key versions are tracked by the
// key alias/ID itself, not a local uint32, so KeyVersion is always 0 for
// KMS-backed records).
func (b *KMSBackend) Encrypt(plaintext, aad []byte) (Sealed, error) {
	const op = "vault.KMSBackend.Encrypt"
	ctx := context.Background()

	out, err := b.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(b.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return Sealed{}, openacterr.Wrap(openacterr.KindCrypto, op, "KMS GenerateDataKey failed", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, openacterr.Wrap(openacterr.KindCrypto, op, "failed to generate nonce", err)
	}

	ciphertext, err := sealAESGCM(out.Plaintext, nonce, plaintext, aad)
	for i := range out.Plaintext {
		out.Plaintext[i] = 0 // zero the plaintext DEK once used
	}
	if err != nil {
		return Sealed{}, openacterr.Wrap(openacterr.KindCrypto, op, "local envelope seal failed", err)
	}

	// Prefix the wrapped (KMS-encrypted) DEK length + bytes onto the
	// ciphertext so Decrypt can recover it without a separate column;
	// this keeps the Sealed{} shape identical to the local backend.
	framed := frameWithDEK(out.CiphertextBlob, ciphertext)
	return Sealed{Ciphertext: framed, Nonce: nonce, KeyVersion: 0}, nil
}

// Decrypt unwraps the DEK via KMS then opens the local envelope.
func (b *KMSBackend) Decrypt(sealed Sealed, aad []byte) ([]byte, error) {
	const op = "vault.KMSBackend.Decrypt"
	ctx := context.Background()

	wrappedDEK, ciphertext, err := unframeWithDEK(sealed.Ciphertext)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindCrypto, op, "malformed envelope", err)
	}

	out, err := b.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrappedDEK,
		KeyId:          aws.String(b.keyID),
	})
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindCrypto, op, "KMS Decrypt failed", err)
	}
	defer func() {
		for i := range out.Plaintext {
			out.Plaintext[i] = 0
		}
	}()

	plaintext, err := openAESGCM(out.Plaintext, sealed.Nonce, ciphertext, aad)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindCrypto, op, "local envelope open failed", err)
	}
	return plaintext, nil
}

func frameWithDEK(dek, ciphertext []byte) []byte {
	out := make([]byte, 4+len(dek)+len(ciphertext))
	out[0] = byte(len(dek) >> 24)
	out[1] = byte(len(dek) >> 16)
	out[2] = byte(len(dek) >> 8)
	out[3] = byte(len(dek))
	copy(out[4:], dek)
	copy(out[4+len(dek):], ciphertext)
	return out
}

func unframeWithDEK(framed []byte) (dek, ciphertext []byte, err error) {
	if len(framed) < 4 {
		return nil, nil, fmt.Errorf("envelope too short")
	}
	n := int(framed[0])<<24 | int(framed[1])<<16 | int(framed[2])<<8 | int(framed[3])
	if len(framed) < 4+n {
		return nil, nil, fmt.Errorf("envelope DEK length out of range")
	}
	return framed[4 : 4+n], framed[4+n:], nil
}
