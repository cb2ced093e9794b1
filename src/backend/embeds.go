//go:build embed
// +build embed

package main

import "embed"

// Embed model files
//
//go:embed model/*
var modelFiles embed.FS

const hasEmbeddedModel = true
