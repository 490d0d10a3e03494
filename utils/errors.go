package utils

import (
	"github.com/pkg/errors"
)

// NewNotFoundError is used when a handle (keyframe id, map point id) does not resolve
// to a live entity in the map.
func NewNotFoundError(kind string, id interface{}) error {
	return errors.Errorf("%s %v not found", kind, id)
}
