// Package persistence holds storage-layer types shared across backends.
package persistence
