package transfer

import (
	"strings"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/image"
)

// TranslateTag rewrites a source tag for the destination: remove is stripped from the
// front of old and add is prepended. A tag that does not start with remove is rejected.
func TranslateTag(old, add, remove string) (string, error) {
	if !strings.HasPrefix(old, remove) {
		return "", &syncerr.PrefixMismatchError{Tag: old, Prefix: remove}
	}
	return add + strings.TrimPrefix(old, remove), nil
}

// BuildTagMap translates every tag declared in entries and maps it to the entry's image.
// Translated tags must be valid; when two entries produce the same tag the later one wins.
func BuildTagMap(entries []image.ManifestEntry, add, remove string) (*image.TagMap, error) {
	tags := image.NewTagMap()
	for _, entry := range entries {
		for _, old := range entry.Tags {
			tag, err := TranslateTag(old, add, remove)
			if err != nil {
				return nil, err
			}
			if err := image.ValidateTag(tag); err != nil {
				return nil, err
			}
			tags.Set(tag, entry.ID)
		}
	}
	return tags, nil
}
