package pipeline

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/engine/renderer/driver"
)

const (
	blobHeaderLength  = 32
	blobHeaderVersion = 1
)

// ErrBlobMismatch means the blob was written by another driver or device.
var ErrBlobMismatch = errors.New("pipeline cache blob does not match this device")

// ValidateBlob checks the version one header of a pipeline cache blob
// against the device.
func ValidateBlob(blob []byte, props driver.Properties) error {
	if len(blob) < blobHeaderLength {
		return errors.Wrapf(ErrBlobMismatch, "blob of %d bytes is shorter than its header", len(blob))
	}
	length := binary.LittleEndian.Uint32(blob[0:])
	version := binary.LittleEndian.Uint32(blob[4:])
	vendor := binary.LittleEndian.Uint32(blob[8:])
	device := binary.LittleEndian.Uint32(blob[12:])
	id, err := uuid.FromBytes(blob[16:32])
	if err != nil {
		return errors.Wrap(ErrBlobMismatch, err.Error())
	}
	switch {
	case length != blobHeaderLength:
		return errors.Wrapf(ErrBlobMismatch, "header length %d", length)
	case version != blobHeaderVersion:
		return errors.Wrapf(ErrBlobMismatch, "header version %d", version)
	case vendor != props.VendorID || device != props.DeviceID:
		return errors.Wrapf(ErrBlobMismatch, "written for %04x:%04x", vendor, device)
	case id != props.PipelineCacheUUID:
		return errors.Wrapf(ErrBlobMismatch, "cache uuid %s", id)
	}
	return nil
}

// LoadBlob reads a pipeline cache blob. A missing file or a blob written for
// another device yields nil without an error; the cache is rebuilt from
// scratch in both cases.
func LoadBlob(path string, props driver.Properties) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading pipeline cache %s", path)
	}
	if err := ValidateBlob(blob, props); err != nil {
		core.LogWarn("ignoring pipeline cache %s: %s", path, err.Error())
		return nil, nil
	}
	return blob, nil
}

func SaveBlob(path string, blob []byte) error {
	if path == "" || len(blob) == 0 {
		return nil
	}
	if err := core.WriteFileAtomic(path, blob); err != nil {
		return errors.Wrapf(err, "writing pipeline cache %s", path)
	}
	return nil
}
