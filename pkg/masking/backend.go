package masking

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"ironmap/pkg/volume"
)

// Backend names accepted by NewBackend.
const (
	BackendNative = "native"
	BackendAFNI   = "afni"
)

// NewBackend returns the skull stripping and automask capabilities for name.
func NewBackend(name string, native NativeOptions, afni AFNIOptions, store *volume.Store, logger log.FieldLogger) (SkullStripper, Automasker, error) {
	switch strings.ToLower(name) {
	case "", BackendNative:
		return NewNativeSkullStripper(native), NewNativeAutomasker(native), nil
	case BackendAFNI:
		return NewAFNISkullStripper(afni, store, logger), NewAFNIAutomasker(afni, store, logger), nil
	}
	return nil, nil, fmt.Errorf("unknown masking backend %q (must be %s or %s)", name, BackendNative, BackendAFNI)
}
