package gic

import "encoding/gob"

func init() {
	// Register snapshot types for gob encoding/decoding.
	gob.Register(&controllerSnapshot{})
}
