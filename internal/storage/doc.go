// Package storage defines the key/value contract shared by the fallback
// chain's tiers and provides three implementations: an embedded BadgerDB
// store (primary), a single-document JSON file store (secondary), and an
// in-memory store for tests and persistence-free deployments.
package storage
