// Copyright (c) 2025 Justin Cranford

package sealing

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"license-agent/internal/types"
)

var srkTemplate = tpm2.Public{
	Type:       tpm2.AlgRSA,
	NameAlg:    tpm2.AlgSHA256,
	Attributes: tpm2.FlagStorageDefault,
	RSAParameters: &tpm2.RSAParams{
		Symmetric: &tpm2.SymScheme{
			Alg:     tpm2.AlgAES,
			KeyBits: 128,
			Mode:    tpm2.AlgCFB,
		},
		KeyBits: 2048,
	},
}

// hardwareProvider seals bytes under the platform's storage root key. The
// returned blob (private ∥ public area) is not portable between hosts: it is
// only meaningful when loaded back under the same SRK on the same TPM.
type hardwareProvider struct {
	devicePath string
}

func newHardwareProvider(devicePath string) (*hardwareProvider, error) {
	if devicePath == "" {
		devicePath = "/dev/tpmrm0"
	}
	rw, err := tpm2.OpenTPM(devicePath)
	if err != nil {
		return nil, fmt.Errorf("open TPM device %s: %w", devicePath, err)
	}
	defer rw.Close()
	return &hardwareProvider{devicePath: devicePath}, nil
}

func (p *hardwareProvider) open() (io.ReadWriteCloser, error) {
	rw, err := tpm2.OpenTPM(p.devicePath)
	if err != nil {
		return nil, sealErr(fmt.Sprintf("failed to open TPM device %s", p.devicePath), err)
	}
	return rw, nil
}

func (p *hardwareProvider) createSRK(rw io.ReadWriter) (tpmutil.Handle, error) {
	srkHandle, _, err := tpm2.CreatePrimary(rw, tpm2.HandleOwner, tpm2.PCRSelection{}, "", "", srkTemplate)
	if err != nil {
		return 0, sealErr("failed to create storage root key", err)
	}
	return srkHandle, nil
}

// Seal wraps plaintext under a fresh SRK-rooted sealed object. blob encodes
// the TPM2B_PRIVATE and TPM2B_PUBLIC areas tpm2.Load needs to reconstitute
// the object on a later Unseal call against the same TPM.
func (p *hardwareProvider) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	rw, err := p.open()
	if err != nil {
		return nil, err
	}
	defer rw.Close()

	srkHandle, err := p.createSRK(rw)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext(rw, srkHandle)

	private, public, err := tpm2.Seal(rw, srkHandle, "", "", nil, plaintext)
	if err != nil {
		return nil, sealErr("TPM seal operation failed", err)
	}

	return encodeSealedBlob(private, public), nil
}

// Unseal reloads a sealed object under a fresh SRK and reads its sensitive
// area back out.
func (p *hardwareProvider) Unseal(_ context.Context, blob []byte) ([]byte, error) {
	private, public, err := decodeSealedBlob(blob)
	if err != nil {
		return nil, err
	}

	rw, err := p.open()
	if err != nil {
		return nil, err
	}
	defer rw.Close()

	srkHandle, err := p.createSRK(rw)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext(rw, srkHandle)

	objHandle, _, err := tpm2.Load(rw, srkHandle, "", public, private)
	if err != nil {
		return nil, sealErr("failed to load sealed object", err)
	}
	defer tpm2.FlushContext(rw, objHandle)

	plaintext, err := tpm2.Unseal(rw, objHandle, "")
	if err != nil {
		return nil, sealErr("TPM unseal operation failed", err)
	}
	return plaintext, nil
}

func (p *hardwareProvider) Status(_ context.Context) types.TpmStatus {
	rw, err := tpm2.OpenTPM(p.devicePath)
	if err != nil {
		return types.TpmStatus{
			Available: false,
			Backend:   "tpm",
			Detail:    fmt.Sprintf("device %s unreachable: %v", p.devicePath, err),
		}
	}
	defer rw.Close()

	version := "2.0"
	if _, statErr := os.Stat(p.devicePath); statErr != nil {
		version = "unknown"
	}

	return types.TpmStatus{
		Available: true,
		Version:   version,
		Backend:   "tpm",
	}
}

// encodeSealedBlob concatenates length-prefixed private/public areas so a
// single opaque byte slice can be persisted by the secret store's sealed-blob
// backend.
func encodeSealedBlob(private, public []byte) []byte {
	out := make([]byte, 0, 8+len(private)+len(public))
	out = appendUint32(out, uint32(len(private)))
	out = append(out, private...)
	out = appendUint32(out, uint32(len(public)))
	out = append(out, public...)
	return out
}

func decodeSealedBlob(blob []byte) (private, public []byte, err error) {
	if len(blob) < 4 {
		return nil, nil, sealErr("sealed blob truncated", nil)
	}
	privLen := readUint32(blob)
	blob = blob[4:]
	if len(blob) < int(privLen)+4 {
		return nil, nil, sealErr("sealed blob truncated reading private area", nil)
	}
	private = blob[:privLen]
	blob = blob[privLen:]
	pubLen := readUint32(blob)
	blob = blob[4:]
	if len(blob) < int(pubLen) {
		return nil, nil, sealErr("sealed blob truncated reading public area", nil)
	}
	public = blob[:pubLen]
	return private, public, nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// sha256Sum returns the SHA-256 digest of b. The NV-index backend (nvstore)
// does not use it: that backend keys sealed blobs by plain version number.
func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}
