// Package twinmind carries assets bundled into the twin-mind binary.
package twinmind

import "embed"

//go:embed skills
var Skills embed.FS
