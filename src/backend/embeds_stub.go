//go:build !embed
// +build !embed

package main

import "embed"

// Empty when the embed tag is not set; the model is read from Model.Dir
var modelFiles embed.FS

const hasEmbeddedModel = false
