package image

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
)

// ValidateReferences checks that every requested image reference is well formed.
// References are otherwise opaque: duplicates are allowed and order is preserved by callers.
func ValidateReferences(refs []string) error {
	if len(refs) == 0 {
		return syncerr.Newf(syncerr.CodeInvalidInput, "validate", "no images requested")
	}
	for _, ref := range refs {
		if _, err := name.ParseReference(ref, name.WeakValidation); err != nil {
			return syncerr.New(syncerr.CodeInvalidInput, "validate", fmt.Errorf("image %q: %w", ref, err))
		}
	}
	return nil
}

// ValidateTag checks that tag can be applied to an image.
func ValidateTag(tag string) error {
	if _, err := name.NewTag(tag, name.WeakValidation); err != nil {
		return syncerr.New(syncerr.CodeInvalidInput, "validate", fmt.Errorf("tag %q: %w", tag, err))
	}
	return nil
}
